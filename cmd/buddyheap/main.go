package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memquarry/buddyheap/arena"
	"github.com/urfave/cli"
	"golang.org/x/exp/slog"
)

const usage = `Buddy arena trace runner

Reads a trace of allocator commands from a file (or stdin when no file is given) and
executes them against a single fixed-size buddy arena, printing the result of each
command. Supported commands, one per line:

   alloc <size>      allocate <size> bytes, print the returned offset
   free <offset>     free the allocation at <offset>
   dump              print per-order free-list occupancy
   map               print the full JSON region map
   stats             print arena statistics
   validate          run a structural audit of the arena
   reset             return the arena to its initial state

Lines that are empty or start with # are skipped.`

func main() {
	app := cli.NewApp()
	app.Name = "buddyheap"
	app.Usage = usage
	app.ArgsUsage = "[trace-file]"

	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "min-order",
			Value: 12,
			Usage: "page order; the smallest allocatable block is 2^min-order bytes",
		},
		cli.IntFlag{
			Name:  "max-order",
			Value: 20,
			Usage: "arena order; the arena manages 2^max-order bytes",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging of every alloc and free",
		},
	}

	app.Action = func(ctx *cli.Context) error {
		level := slog.LevelInfo
		if ctx.GlobalBool("debug") {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))

		heap, err := arena.New(arena.Options{
			MinOrder: ctx.GlobalInt("min-order"),
			MaxOrder: ctx.GlobalInt("max-order"),
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		input := io.Reader(os.Stdin)
		if ctx.NArg() > 0 {
			file, err := os.Open(ctx.Args().Get(0))
			if err != nil {
				return err
			}
			defer file.Close()
			input = file
		}

		return runTrace(heap, input, os.Stdout)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "buddyheap: %v\n", err)
		os.Exit(1)
	}
}

func runTrace(heap *arena.Arena, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		err := runCommand(heap, line, output)
		if err != nil {
			fmt.Fprintf(output, "line %d: %s: error: %v\n", lineNo, line, err)
		}
	}

	return scanner.Err()
}

func runCommand(heap *arena.Arena, line string, output io.Writer) error {
	fields := strings.Fields(line)

	switch fields[0] {
	case "alloc":
		if len(fields) != 2 {
			return fmt.Errorf("alloc takes exactly one argument")
		}
		size, err := strconv.Atoi(fields[1])
		if err != nil {
			return err
		}
		offset, err := heap.Alloc(size)
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "alloc %d -> offset %d\n", size, offset)

	case "free":
		if len(fields) != 2 {
			return fmt.Errorf("free takes exactly one argument")
		}
		offset, err := strconv.Atoi(fields[1])
		if err != nil {
			return err
		}
		if err := heap.Free(offset); err != nil {
			return err
		}
		fmt.Fprintf(output, "free %d -> ok\n", offset)

	case "dump":
		for _, count := range heap.FreeCounts() {
			fmt.Fprintf(output, "%d:%d ", count.FreeCount, count.BlockSize/1024)
		}
		fmt.Fprintln(output)

	case "map":
		writer := jwriter.NewWriter()
		heap.PrintDetailedMap(&writer)
		if err := writer.Error(); err != nil {
			return err
		}
		fmt.Fprintf(output, "%s\n", writer.Bytes())

	case "stats":
		stats := heap.Stats()
		fmt.Fprintf(output, "allocations %d, allocated bytes %d, arena bytes %d\n",
			stats.AllocationCount, stats.AllocationBytes, stats.ArenaBytes)

	case "validate":
		if err := heap.Validate(); err != nil {
			return err
		}
		fmt.Fprintln(output, "validate -> ok")

	case "reset":
		heap.Reset()
		fmt.Fprintln(output, "reset -> ok")

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}

	return nil
}
