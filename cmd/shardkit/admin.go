package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/botlabs-gg/shardkit/common/config"
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator"
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator/orchestrator/rest"
	"github.com/jedib0t/go-pretty/table"
)

func adminClient() *rest.Client {
	if err := config.InitSources(); err != nil {
		fmt.Println("failed loading config: ", err)
	}

	return rest.NewClient(confCoordinatorAddr.GetString())
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Second*10)
}

type StatusCmd struct{}

func (s *StatusCmd) Help() string {
	return s.Synopsis() + "\n\nTalks to the coordinator at SHARDKIT_COORDINATOR_ADDR (default 127.0.0.1:7448)."
}

func (s *StatusCmd) Synopsis() string {
	return "display the cluster state"
}

func (s *StatusCmd) Run(args []string) int {
	ctx, cancel := adminContext()
	defer cancel()

	state, err := adminClient().State(ctx)
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	fmt.Print(RenderState(state, time.Now()))
	return 0
}

// RenderState formats the cluster state as a header and a table of workers
func RenderState(state *dshardorchestrator.ClusterState, now time.Time) string {
	var b strings.Builder

	kind := "original"
	if !state.IsOriginal {
		kind = "promoted"
	}

	fmt.Fprintf(&b, "coordinator: %s (%s), total shards: %d, unassigned: %s\n",
		state.CoordinatorID, kind, state.TotalShards, PrettyFormatNumberList(state.Unassigned))

	tb := table.NewWriter()
	tb.AppendHeader(table.Row{"id", "status", "address", "assigned", "running", "guilds", "cpu", "latency", "last heartbeat"})

	for _, w := range state.Workers {
		lastHeartbeat := "never"
		if !w.LastHeartbeatAt.IsZero() {
			lastHeartbeat = now.Sub(w.LastHeartbeatAt).Round(time.Millisecond).String() + " ago"
		}

		tb.AppendRow(table.Row{
			w.WorkerID,
			w.Status,
			w.Address,
			PrettyFormatNumberList(w.Assigned),
			PrettyFormatNumberList(w.Running),
			w.GuildCount,
			fmt.Sprintf("%.1f%%", w.CPUUsage),
			fmt.Sprintf("%dms", w.LatencyMs),
			lastHeartbeat,
		})
	}

	b.WriteString(tb.Render())
	b.WriteString("\n")

	if len(state.SuccessionOrder) > 0 {
		order := make([]string, 0, len(state.SuccessionOrder))
		for _, v := range state.SuccessionOrder {
			order = append(order, v.WorkerID+"@"+v.Address)
		}
		fmt.Fprintf(&b, "succession: %s\n", strings.Join(order, ", "))
	}

	return b.String()
}

type MigrateShardCmd struct{}

func (s *MigrateShardCmd) Help() string {
	return s.Synopsis()
}

func (s *MigrateShardCmd) Synopsis() string {
	return "migrates the specified shard to the specified worker, usage: shard-id worker-id"
}

func (s *MigrateShardCmd) Run(args []string) int {
	if len(args) < 2 {
		fmt.Println("usage: migrateshard shard-id worker-id")
		return 1
	}

	shardID, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Println("invalid shard: ", err)
		return 1
	}

	targetWorker := args[1]
	fmt.Printf("migrating shard %d to %s...\n", shardID, targetWorker)

	ctx, cancel := adminContext()
	defer cancel()

	err = adminClient().MigrateShard(ctx, int(shardID), targetWorker)
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	fmt.Println("done, the worker picks it up on its next heartbeat")
	return 0
}

type ResizeCmd struct{}

func (s *ResizeCmd) Help() string {
	return s.Synopsis() + "\n\nEvery shard reconnects with the new count."
}

func (s *ResizeCmd) Synopsis() string {
	return "changes the total shard count, usage: total-shards"
}

func (s *ResizeCmd) Run(args []string) int {
	if len(args) < 1 {
		fmt.Println("usage: resize total-shards")
		return 1
	}

	total, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("invalid shard count: ", err)
		return 1
	}

	ctx, cancel := adminContext()
	defer cancel()

	err = adminClient().Resize(ctx, total)
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	fmt.Printf("resized to %d shards\n", total)
	return 0
}

type DeregisterCmd struct{}

func (s *DeregisterCmd) Help() string {
	return s.Synopsis()
}

func (s *DeregisterCmd) Synopsis() string {
	return "removes the specified worker and reassigns its shards, usage: worker-id"
}

func (s *DeregisterCmd) Run(args []string) int {
	if len(args) < 1 {
		fmt.Println("usage: deregister worker-id")
		return 1
	}

	ctx, cancel := adminContext()
	defer cancel()

	err := adminClient().Deregister(ctx, args[0])
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	fmt.Printf("removed %s\n", args[0])
	return 0
}

// PrettyFormatNumberList collapses runs of numbers, e.g. [1 2 3 5] becomes "1 - 3, 5"
func PrettyFormatNumberList(numbers []int) string {
	if len(numbers) < 1 {
		return "None"
	}

	sorted := make([]int, len(numbers))
	copy(sorted, numbers)
	sort.Ints(sorted)

	var out []string

	last := 0
	seqStart := 0
	for i, n := range sorted {
		if i == 0 {
			last = n
			seqStart = n
			continue
		}

		if n > last+1 {
			// break in sequence
			out = append(out, formatSeq(seqStart, last))
			seqStart = n
		}

		last = n
	}

	out = append(out, formatSeq(seqStart, last))
	return strings.Join(out, ", ")
}

func formatSeq(start, end int) string {
	if start != end {
		return fmt.Sprintf("%d - %d", start, end)
	}

	return strconv.Itoa(end)
}
