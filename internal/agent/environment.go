package agent

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"game_mas/internal/domain"
)

const (
	weatherRandom    = "random"
	dayStartHour     = 6
	nightStartHour   = 18
	daylightFactor   = 1.2
	nightLightFactor = 0.5
)

var weatherStates = []string{"sunny", "rainy", "cloudy", "foggy", "stormy"}

var weatherEffects = map[string]domain.WeatherEffects{
	"sunny":  {LightIntensity: 1.0, Particles: 0},
	"rainy":  {LightIntensity: 0.7, Particles: 500},
	"cloudy": {LightIntensity: 0.8, Particles: 100},
	"foggy":  {LightIntensity: 0.6, Particles: 300},
	"stormy": {LightIntensity: 0.5, Particles: 800},
}

type EnvironmentConfig struct {
	Now     func() time.Time
	Seed    uint64
	Journal Journal
	Logger  *log.Logger
}

// Environment drives the dynamic weather system.
type Environment struct {
	now     func() time.Time
	journal Journal
	logger  *log.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	current string
}

func NewEnvironment(cfg EnvironmentConfig) *Environment {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Environment{
		now:     cfg.Now,
		journal: cfg.Journal,
		logger:  cfg.Logger,
		rng:     rand.New(rand.NewPCG(seed, seed>>1|1)),
		current: "sunny",
	}
}

func (e *Environment) Kinds() []domain.TaskKind {
	return []domain.TaskKind{domain.TaskKindWeatherSystem}
}

func (e *Environment) Handle(ctx context.Context, agentID string, task domain.Task) domain.Result {
	t, ok := task.(domain.WeatherSystem)
	if !ok {
		return domain.FailedResult(domain.ErrorKindUnknownTaskKind, fmt.Errorf("%w: %q", domain.ErrUnknownTaskKind, task.Kind()))
	}

	weather := strings.ToLower(strings.TrimSpace(t.WeatherType))
	e.mu.Lock()
	if weather == "" || weather == weatherRandom {
		weather = weatherStates[e.rng.IntN(len(weatherStates))]
	}
	effects, known := weatherEffects[weather]
	if known {
		e.current = weather
	}
	e.mu.Unlock()
	if !known {
		return domain.FailedResult(domain.ErrorKindInvalidField, &domain.InvalidFieldError{
			Field:  "weather_type",
			Reason: fmt.Sprintf("unknown weather %q", t.WeatherType),
		})
	}

	now := e.now()
	if hour := now.Hour(); hour >= dayStartHour && hour < nightStartHour {
		effects.LightIntensity *= daylightFactor
	} else {
		effects.LightIntensity *= nightLightFactor
	}
	report := domain.WeatherReport{
		Weather: weather,
		Time:    now.Format("15:04"),
		Effects: effects,
	}
	logAction(ctx, e.journal, agentID, "weather_changed", "weather system updated", report)

	res := domain.CompletedResult()
	res.Weather = &report
	return res
}

func (e *Environment) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}
