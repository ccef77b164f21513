// Command quote prices a scenario of trades against a fresh market without
// touching any store, printing every fill and the final pool state.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/playmoney/market-engine/internal/config"
	"github.com/playmoney/market-engine/internal/engine"
	"github.com/playmoney/market-engine/internal/fee"
	"github.com/playmoney/market-engine/internal/liquidity"
	"github.com/playmoney/market-engine/internal/model"
)

func main() {
	scenarioPath := flag.String("scenario", "", "path to a YAML scenario")
	configPath := flag.String("config", "", "engine config providing fee coefficients (optional)")
	flag.Parse()

	if *scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "usage: quote -scenario file.yaml [-config config.yaml]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	sc, err := LoadScenario(*scenarioPath)
	if err != nil {
		slog.Error("failed to load scenario", "err", err)
		os.Exit(1)
	}

	fees, err := fee.NewCalculator(cfg.Fees)
	if err != nil {
		slog.Error("invalid fee configuration", "err", err)
		os.Exit(1)
	}
	eng := engine.New(fees, liquidity.NewManager(cfg.Trading.MinReserve))

	final, quotes, err := sc.Run(eng, time.Now().UTC())
	if err != nil {
		slog.Error("scenario failed", "err", err)
		os.Exit(1)
	}
	printQuotes(os.Stdout, quotes)
	printPools(os.Stdout, final)
}

func printQuotes(out io.Writer, quotes []Quote) {
	table := tablewriter.NewWriter(out)
	table.Header("#", "User", "Action", "Answer", "Outcome", "Shares", "Amount", "Fees", "Avg", "Prob", "Makers", "Unfilled")

	for i, q := range quotes {
		r := q.Result
		prob := fmt.Sprintf("%.4f -> %.4f", r.ProbBefore, r.ProbAfter)
		if q.Display != nil {
			prob += fmt.Sprintf(" (%.2f)", *q.Display)
		}
		action := q.Spec.Action
		if action == "" {
			action = "bet"
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			q.Spec.User,
			action,
			short(q.AnswerID),
			string(r.Outcome),
			fmt.Sprintf("%.4f", r.Shares),
			fmt.Sprintf("%.4f", r.Amount),
			fmt.Sprintf("%.4f", r.Fees.Total()),
			fmt.Sprintf("%.4f", r.AveragePrice),
			prob,
			fmt.Sprintf("%d", len(r.MakerFills)),
			fmt.Sprintf("%.4f", r.Unfilled),
		)
	}
	table.Render()
}

func printPools(out io.Writer, m model.Mechanism) {
	table := tablewriter.NewWriter(out)
	table.Header("Answer", "YES", "NO", "p", "Prob")

	probs := engine.Probabilities(m)
	row := func(id string, s model.PoolState) {
		table.Append(
			short(id),
			fmt.Sprintf("%.4f", s.Pool.Yes),
			fmt.Sprintf("%.4f", s.Pool.No),
			fmt.Sprintf("%.4f", s.P),
			fmt.Sprintf("%.4f", probs[id]),
		)
	}
	if v, ok := m.(model.MultiAnswer); ok {
		answers := v.Clone().Answers
		sort.Slice(answers, func(i, j int) bool { return answers[i].Index < answers[j].Index })
		for _, a := range answers {
			row(a.ID, a.State)
		}
	} else if s, ok := model.SingleState(m); ok {
		row("", s)
	}
	table.Render()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
