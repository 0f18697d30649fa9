// Package builtins provides in-process tools that can be offered to the model
// without running an MCP server.
//
// Two tools are available via [ByName]:
//   - "roll_dice": evaluates a dice expression such as "2d6+3".
//   - "current_time": reports the current time, optionally in a named zone.
//
// All handlers are safe for concurrent use.
package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/chatstream/internal/toolexec"
	"github.com/MrWong99/chatstream/pkg/types"
)

const (
	maxDice  = 100
	maxSides = 1000
)

var registry = map[string]func() toolexec.Builtin{
	"roll_dice":    func() toolexec.Builtin { return Dice(nil) },
	"current_time": func() toolexec.Builtin { return Clock(nil) },
}

// Names returns the names accepted by [ByName], sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ByName returns the builtin registered under name.
func ByName(name string) (toolexec.Builtin, bool) {
	mk, ok := registry[name]
	if !ok {
		return toolexec.Builtin{}, false
	}
	return mk(), true
}

// ── Dice ──────────────────────────────────────────────────────────────────

var diceExpr = regexp.MustCompile(`^(\d*)d(\d+)([+-]\d+)?$`)

type diceArgs struct {
	Expression string `json:"expression"`
}

type diceResult struct {
	Expression string `json:"expression"`
	Rolls      []int  `json:"rolls"`
	Modifier   int    `json:"modifier,omitempty"`
	Total      int    `json:"total"`
}

// parseDice parses NdS, NdS+M or NdS-M. An omitted N means one die.
func parseDice(expr string) (count, sides, modifier int, err error) {
	m := diceExpr.FindStringSubmatch(strings.ToLower(strings.ReplaceAll(expr, " ", "")))
	if m == nil {
		return 0, 0, 0, fmt.Errorf("builtins: invalid dice expression %q, want NdS[+M]", expr)
	}
	count = 1
	if m[1] != "" {
		count, _ = strconv.Atoi(m[1])
	}
	sides, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		modifier, _ = strconv.Atoi(m[3])
	}
	switch {
	case count < 1 || count > maxDice:
		return 0, 0, 0, fmt.Errorf("builtins: dice count must be between 1 and %d, got %d", maxDice, count)
	case sides < 1 || sides > maxSides:
		return 0, 0, 0, fmt.Errorf("builtins: sides must be between 1 and %d, got %d", maxSides, sides)
	}
	return count, sides, modifier, nil
}

// Dice returns the "roll_dice" tool. A nil r uses the process-wide source.
func Dice(r *rand.Rand) toolexec.Builtin {
	var mu sync.Mutex
	intN := rand.IntN
	if r != nil {
		intN = func(n int) int {
			mu.Lock()
			defer mu.Unlock()
			return r.IntN(n)
		}
	}

	return toolexec.Builtin{
		Definition: types.ToolDefinition{
			Name:        "roll_dice",
			Description: "Roll dice and return each die and the total. Supports notation such as 2d6+3, d20 or 4d8-1.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "Dice expression, e.g. 2d6+3",
					},
				},
				"required": []string{"expression"},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var a diceArgs
			if err := json.Unmarshal([]byte(args), &a); err != nil {
				return "", fmt.Errorf("builtins: parse arguments: %w", err)
			}
			count, sides, modifier, err := parseDice(a.Expression)
			if err != nil {
				return "", err
			}

			res := diceResult{Expression: a.Expression, Rolls: make([]int, count), Modifier: modifier, Total: modifier}
			for i := range res.Rolls {
				res.Rolls[i] = intN(sides) + 1
				res.Total += res.Rolls[i]
			}
			out, err := json.Marshal(res)
			return string(out), err
		},
	}
}

// ── Clock ─────────────────────────────────────────────────────────────────

type clockArgs struct {
	Timezone string `json:"timezone"`
}

type clockResult struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Weekday  string `json:"weekday"`
}

// Clock returns the "current_time" tool. A nil now uses [time.Now].
func Clock(now func() time.Time) toolexec.Builtin {
	if now == nil {
		now = time.Now
	}
	return toolexec.Builtin{
		Definition: types.ToolDefinition{
			Name:        "current_time",
			Description: "Return the current date and time. Without a timezone the local zone is used.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA zone name, e.g. Europe/Berlin or UTC",
					},
				},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var a clockArgs
			if strings.TrimSpace(args) != "" {
				if err := json.Unmarshal([]byte(args), &a); err != nil {
					return "", fmt.Errorf("builtins: parse arguments: %w", err)
				}
			}
			loc := time.Local
			if a.Timezone != "" {
				var err error
				if loc, err = time.LoadLocation(a.Timezone); err != nil {
					return "", fmt.Errorf("builtins: unknown timezone %q", a.Timezone)
				}
			}
			t := now().In(loc)
			out, err := json.Marshal(clockResult{
				Time:     t.Format(time.RFC3339),
				Timezone: loc.String(),
				Weekday:  t.Weekday().String(),
			})
			return string(out), err
		},
	}
}
