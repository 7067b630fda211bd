// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/poiesic/shopcache"
	"github.com/poiesic/shopcache/config"
	"github.com/poiesic/shopcache/core"
	"github.com/poiesic/shopcache/semantic"
	"github.com/urfave/cli/v2"
)

const configKey = "config"

// extraOptions is appended to the options of every Service a command opens.
var extraOptions []shopcache.Option

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "shopcache",
		Usage: "Semantic cache for multi-site product search",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (default: shopcache.yaml in ., ./config, /etc/shopcache/)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error); overrides log.level",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:      "search",
				Usage:     "Resolve a product query from the cache, scraping every source on a miss",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "explain",
						Usage: "Log every candidate the semantic engine considers",
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Show cache and index size",
				Action: statsCommand,
			},
			{
				Name:   "products",
				Usage:  "List the most recently cached products",
				Action: productsCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of products to list",
						Value: shopcache.DefaultRecentLimit,
					},
				},
			},
			{
				Name:      "delete-query",
				Usage:     "Delete every cached product of a query and rebuild the index",
				ArgsUsage: "<query>",
				Action:    deleteQueryCommand,
			},
			{
				Name:      "delete-item",
				Usage:     "Delete one cached product by id and rebuild the index",
				ArgsUsage: "<id>",
				Action:    deleteItemCommand,
			},
			{
				Name:   "clear",
				Usage:  "Delete every cached product and empty the index",
				Action: clearCommand,
			},
			{
				Name:   "sweep",
				Usage:  "Delete products older than the TTL",
				Action: sweepCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Age after which products are deleted (default: cache.ttl)",
					},
				},
			},
			{
				Name:   "reindex",
				Usage:  "Rebuild the semantic index from every cached product name",
				Action: reindexCommand,
			},
		},
	}
}

// setup loads the configuration and installs the default logger.
func setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	levelStr := strings.ToLower(c.String("log-level"))
	if levelStr == "" {
		levelStr = cfg.Log.Level
	}
	level, err := config.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func openService(c *cli.Context) (*shopcache.Service, error) {
	cfg, ok := c.App.Metadata[configKey].(*config.Config)
	if !ok {
		return nil, fmt.Errorf("configuration not loaded")
	}
	opts := append([]shopcache.Option{shopcache.WithLogger(slog.Default())}, extraOptions...)
	return shopcache.New(cfg, opts...)
}

func searchCommand(c *cli.Context) error {
	ctx := context.Background()
	query := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("query is required")
	}

	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	if c.Bool("explain") {
		decision, err := svc.Explain(ctx, query, semantic.NewLogMonitor(slog.Default(), slog.LevelInfo))
		if err != nil {
			return fmt.Errorf("explaining query: %w", err)
		}
		fmt.Fprintf(c.App.ErrWriter, "Resolution: known=%t matched=%q score=%.3f\n",
			decision.Known, decision.MatchedText, decision.Score)
	}

	result, err := svc.Resolve(ctx, query)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	w := c.App.Writer
	switch {
	case result.MatchedQuery != "":
		fmt.Fprintf(w, "Cache hit for %q via %q (product %q)\n", result.Query, result.MatchedQuery, result.MatchedProduct)
	case result.Cached:
		fmt.Fprintf(w, "Cache hit for %q\n", result.Query)
	default:
		fmt.Fprintf(w, "Scraped %q\n", result.Query)
	}
	printEntries(w, result.Entries, true)
	return nil
}

func statsCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	stats, err := svc.Stats(context.Background())
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Products: %d\n", stats.TotalItems)
	fmt.Fprintf(w, "Queries: %d\n", stats.TotalQueries)
	fmt.Fprintf(w, "Size: %.2f MB\n", float64(stats.SizeBytes)/(1024*1024))
	fmt.Fprintf(w, "Indexed names: %d\n", svc.IndexSize())
	return nil
}

func productsCommand(c *cli.Context) error {
	limit := c.Int("limit")
	if limit <= 0 {
		return fmt.Errorf("limit must be greater than 0")
	}

	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	entries, err := svc.Recent(context.Background(), limit)
	if err != nil {
		return err
	}
	printEntries(c.App.Writer, entries, false)
	return nil
}

func deleteQueryCommand(c *cli.Context) error {
	query := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("query is required")
	}

	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := svc.DeleteQuery(context.Background(), query)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Deleted %d products for %q\n", n, query)
	return nil
}

func deleteItemCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one product id is required")
	}
	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid product id %q: %w", c.Args().First(), err)
	}

	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.DeleteItem(context.Background(), id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Deleted product %d\n", id)
	return nil
}

func clearCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "Cache cleared")
	return nil
}

func sweepCommand(c *cli.Context) error {
	ctx := context.Background()
	ttl := c.Duration("ttl")
	if ttl < 0 {
		return fmt.Errorf("ttl must not be negative")
	}

	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	before, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	if err := svc.ScheduleSweep(ttl); err != nil {
		return err
	}
	svc.Flush()
	after, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Deleted %d expired products\n", before.TotalItems-after.TotalItems)
	return nil
}

func reindexCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, err := svc.Reindex(context.Background(), c.App.ErrWriter); err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}
	return nil
}

func printEntries(w io.Writer, entries []*core.CacheEntry, details bool) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No products")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if details {
		fmt.Fprintln(tw, "ID\tSOURCE\tNAME\tPRICE\tRATING\tLINK")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Source, e.Name, e.Price, e.Rating, e.Link)
		}
	} else {
		fmt.Fprintln(tw, "ID\tQUERY\tSOURCE\tNAME\tINSERTED")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.Query, e.Source, e.Name, e.InsertedAt.Local().Format(time.DateTime))
		}
	}
	tw.Flush()
}
