package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"game_mas/internal/domain"
)

type embeddedOrchestrator struct {
	cmd *exec.Cmd
	out bytes.Buffer
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "orchestrator base URL")
	basePath := flag.String("base-path", "/v1", "API base path")
	token := flag.String("token", os.Getenv("GAME_MAS_TOKEN"), "bearer token when the API requires auth")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start an in-memory orchestrator for the lifetime of the monitor")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (embedded mode)")
	flag.Parse()

	c := newClient(*addr, *basePath, *token)

	if *embedded {
		proc, err := startEmbeddedOrchestrator(*addr, *orchestratorBinary)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	agentsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	agentsTable.SetTitle("Agents (Enter inspect, F5 refresh, F6 export, F10 quit)").SetBorder(true)

	historyView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	historyView.SetTitle("Adjustments").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	resultView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	resultView.SetTitle("Last result").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Task -> agent: ")
	promptInput.SetBorder(true).SetTitle("Enter = submit  e.g. analyze_realtime completion_time=42 attempts=1 success=true")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, F6 export history, Ctrl+L focus prompt, Ctrl+T focus agents",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(historyView, 0, 2, false).
		AddItem(resultView, 9, 0, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(agentsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedAgentID atomic.Value
	selectedAgentID.Store("")
	selected := func() string { return selectedAgentID.Load().(string) }
	var lastAgents atomic.Value
	lastAgents.Store([]domain.AgentRecord(nil))
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshAgents := func() {
		agents, err := c.listAgents()
		if err != nil {
			app.QueueUpdateDraw(func() {
				agentsTable.Clear()
				agentsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		lastAgents.Store(agents)
		if selected() == "" && len(agents) > 0 {
			selectedAgentID.Store(agents[0].ID)
		}
		app.QueueUpdateDraw(func() {
			renderAgentsTable(agentsTable, agents, selected())
		})
	}

	refreshDetailsAsync := func(agentID string) {
		if strings.TrimSpace(agentID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(agentID string, v uint64) {
			type historyResult struct {
				items []domain.AdjustmentEntry
				err   error
			}
			type decisionResult struct {
				items []domain.DecisionLog
				err   error
			}
			historyCh := make(chan historyResult, 1)
			decisionCh := make(chan decisionResult, 1)
			go func() {
				items, err := c.history(agentID)
				historyCh <- historyResult{items: items, err: err}
			}()
			go func() {
				items, err := c.decisions(agentID, 100)
				decisionCh <- decisionResult{items: items, err: err}
			}()
			historyRes := <-historyCh
			decisionRes := <-decisionCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if agentID != selected() {
					return
				}
				historyView.SetTitle("Adjustments: " + agentID)
				if historyRes.err != nil {
					historyView.SetText(fmt.Sprintf("error: %v", historyRes.err))
				} else {
					historyView.SetText(renderHistory(historyRes.items))
				}
				if decisionRes.err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionRes.err))
				} else {
					decisionsView.SetText(renderDecisions(decisionRes.items))
				}
			})
		}(agentID, version)
	}

	submitPrompt := func(line string) {
		agentID := selected()
		if agentID == "" {
			setStatusUI("Select an agent first")
			return
		}
		req, err := parseTaskInput(line)
		if err != nil {
			setStatusUI("Invalid task: " + err.Error())
			return
		}
		setStatusUI(fmt.Sprintf("Submitting %s to %s...", req.Type, agentID))
		promptInput.SetText("")
		go func() {
			res, err := c.submit(agentID, req)
			if err != nil {
				setStatusAsync("Submit failed: " + err.Error())
				return
			}
			app.QueueUpdateDraw(func() {
				resultView.SetText(renderResult(res))
			})
			refreshAgents()
			refreshDetailsAsync(agentID)
			setStatusAsync(fmt.Sprintf("%s on %s: %s", req.Type, agentID, res.Status))
		}()
	}

	exportSelected := func() {
		agentID := selected()
		if agentID == "" {
			return
		}
		go func() {
			path, err := c.exportHistory(agentID)
			if err != nil {
				setStatusAsync("Export failed: " + err.Error())
				return
			}
			refreshDetailsAsync(agentID)
			setStatusAsync("History exported to " + path)
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	agentsTable.SetSelectedFunc(func(row, _ int) {
		agents := lastAgents.Load().([]domain.AgentRecord)
		if row <= 0 || row > len(agents) {
			return
		}
		selectedAgentID.Store(agents[row-1].ID)
		refreshDetailsAsync(agents[row-1].ID)
		setStatusUI("Selected " + agents[row-1].ID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(agentsTable)
				setStatusUI("Focus -> agents")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(agentsTable)
			setStatusUI("Focus -> agents")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refreshAgents()
			refreshDetailsAsync(selected())
			setStatusUI("Manual refresh")
			return nil
		case tcell.KeyF6:
			exportSelected()
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshAgents()
		refreshDetailsAsync(selected())
		for range ticker.C {
			refreshAgents()
			refreshDetailsAsync(selected())
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func renderAgentsTable(table *tview.Table, agents []domain.AgentRecord, selectedAgentID string) {
	table.Clear()
	headers := []string{"Agent", "Kind", "Status", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, a := range agents {
		row := i + 1
		status := tview.NewTableCell(string(a.Status))
		if a.Status == domain.AgentStatusWorking {
			status.SetTextColor(tcell.ColorYellow)
		}
		table.SetCell(row, 0, tview.NewTableCell(a.ID))
		table.SetCell(row, 1, tview.NewTableCell(string(a.Kind)))
		table.SetCell(row, 2, status)
		table.SetCell(row, 3, tview.NewTableCell(a.UpdatedAt.Local().Format("15:04:05")))
		if a.ID == selectedAgentID {
			table.Select(row, 0)
		}
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if lastErr = c.health(); lastErr == nil {
			return nil
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for health: %w", lastErr)
}

// startEmbeddedOrchestrator runs "serve" with an in-memory store on the port
// of addr.
func startEmbeddedOrchestrator(addr string, orchestratorBinary string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"serve", "--addr", ":" + port, "--store-driver", "memory"}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, args...)
	} else {
		cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
		cwd, _ := os.Getwd()
		cmd.Dir = cwd
	}

	proc := &embeddedOrchestrator{cmd: cmd}
	cmd.Stdout = &proc.out
	cmd.Stderr = &proc.out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	return proc, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}
