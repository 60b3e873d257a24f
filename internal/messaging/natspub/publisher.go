// Package natspub publishes recorded balance adjustments to NATS.
package natspub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"game_mas/internal/domain"
)

const DefaultSubject = "game_mas.adjustments"

type Config struct {
	URL     string
	Subject string
	Name    string
	Timeout time.Duration
	Logger  *log.Logger
}

type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *log.Logger
}

func Connect(cfg Config) (*Publisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("empty NATS url")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "game_mas"
	}
	logger := cfg.Logger
	conn, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Printf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Printf("nats reconnected url=%s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Publisher{
		conn:    conn,
		subject: strings.TrimSpace(cfg.Subject),
		logger:  logger,
	}, nil
}

// Send publishes entry on <subject>.<agent_id>.
func (p *Publisher) Send(ctx context.Context, entry domain.AdjustmentEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	subject := subjectFor(p.subject, entry.AgentID)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

func subjectFor(base, agentID string) string {
	if base == "" {
		base = DefaultSubject
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return base
	}
	// NATS tokens may not contain separators or wildcards.
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, agentID)
	return base + "." + token
}

func encodeEntry(entry domain.AdjustmentEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode adjustment %s: %w", entry.ID, err)
	}
	return data, nil
}
