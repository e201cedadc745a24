package subaru

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

type stageLogEntry struct {
	runID string
	stage string
	path  string
}

// collectStageLogs walks the logs dir and returns the per-stage logs of the
// most recent runs, newest run first.
func collectStageLogs(logsDir string, maxRuns int) ([]stageLogEntry, error) {
	runs, err := os.ReadDir(logsDir)
	if err != nil {
		return nil, err
	}

	var runIDs []string
	for _, r := range runs {
		if r.IsDir() {
			runIDs = append(runIDs, r.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(runIDs)))
	if len(runIDs) > maxRuns {
		runIDs = runIDs[:maxRuns]
	}

	var logs []stageLogEntry
	for _, runID := range runIDs {
		runDir := filepath.Join(logsDir, runID)
		entries, err := os.ReadDir(runDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if !strings.HasSuffix(name, ".log") || name == "run.log" {
				continue
			}
			logs = append(logs, stageLogEntry{
				runID: runID,
				stage: strings.TrimSuffix(name, ".log"),
				path:  filepath.Join(runDir, name),
			})
		}
	}
	return logs, nil
}

// RunLogTUI opens the interactive stage log viewer over the logs dir.
func RunLogTUI(cfg *Config) int {
	logs, err := collectStageLogs(cfg.LogsDir, 5)
	if err != nil || len(logs) == 0 {
		colWarn.Println("No stage logs found.")
		return 1
	}

	app := tview.NewApplication()
	activeIdx := 0

	header := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetTextAlign(tview.AlignLeft)
	header.SetBorder(true)
	header.SetTitle("subaru Stage Log Viewer")

	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true).
		SetChangedFunc(func() {
			app.Draw()
		})
	logView.SetBorder(true)

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetTextAlign(tview.AlignLeft)
	footer.SetBorder(true)
	footer.SetText("[yellow]←/→[-] switch log   [yellow]↑/↓[-] scroll   [yellow]Home/End[-] jump   [yellow]q/Esc[-] quit")

	update := func() {
		entry := logs[activeIdx]
		header.SetText(fmt.Sprintf("[yellow]run[-] %s   [yellow]stage[-] %s   (%d/%d)",
			entry.runID, entry.stage, activeIdx+1, len(logs)))
		data, err := os.ReadFile(entry.path)
		if err != nil {
			logView.SetText(fmt.Sprintf("[red]cannot read %s: %v", entry.path, err))
			return
		}
		logView.SetText(tview.Escape(string(data)))
		logView.ScrollToEnd()
	}

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 3, 0, false).
		AddItem(logView, 0, 1, true).
		AddItem(footer, 3, 0, false)

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc:
			app.Stop()
			return nil
		case tcell.KeyLeft:
			activeIdx--
			if activeIdx < 0 {
				activeIdx = len(logs) - 1
			}
			update()
			return nil
		case tcell.KeyRight:
			activeIdx++
			if activeIdx >= len(logs) {
				activeIdx = 0
			}
			update()
			return nil
		case tcell.KeyHome:
			logView.ScrollToBeginning()
			return nil
		case tcell.KeyEnd:
			logView.ScrollToEnd()
			return nil
		}
		if event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	update()
	if err := app.SetRoot(flex, true).Run(); err != nil {
		colError.Printf("TUI error: %v\n", err)
		return 1
	}
	return 0
}
