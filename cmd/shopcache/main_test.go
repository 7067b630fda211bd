package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/poiesic/shopcache"
	aimock "github.com/poiesic/shopcache/ai/mock"
	"github.com/poiesic/shopcache/source/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type harness struct {
	t          *testing.T
	configPath string
	source     *mock.MockSource
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "shopcache.yaml")
	yaml := fmt.Sprintf("data_dir: %s\nimage_dir: %s\nlog:\n  level: warn\n",
		filepath.Join(dir, "data"), filepath.Join(dir, "images"))
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0644))

	src := mock.NewMockSource("Amazon", mock.Products("desk lamp", 2)...)
	provider := aimock.NewMockProviderWithEmbedder(aimock.NewTokenEmbedder(256))
	extraOptions = []shopcache.Option{
		shopcache.WithProvider(provider),
		shopcache.WithSources(src),
	}
	t.Cleanup(func() { extraOptions = nil })

	return &harness{t: t, configPath: configPath, source: src}
}

// run executes one command and returns its stdout and stderr.
func (h *harness) run(args ...string) (string, string, error) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(append([]string{"shopcache", "--config", h.configPath}, args...))
	return stdout.String(), stderr.String(), err
}

func TestGlobalFlags(t *testing.T) {
	t.Run("invalid log level", func(t *testing.T) {
		h := newHarness(t)
		_, _, err := h.run("--log-level", "verbose", "stats")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("missing config file", func(t *testing.T) {
		app := newApp()
		app.Writer = &bytes.Buffer{}
		app.ErrWriter = &bytes.Buffer{}
		err := app.Run([]string{"shopcache", "--config", filepath.Join(t.TempDir(), "absent.yaml"), "stats"})
		assert.Error(t, err)
	})

	t.Run("products limit default", func(t *testing.T) {
		var limit *cli.IntFlag
		for _, cmd := range newApp().Commands {
			if cmd.Name != "products" {
				continue
			}
			for _, flag := range cmd.Flags {
				if f, ok := flag.(*cli.IntFlag); ok && f.Name == "limit" {
					limit = f
				}
			}
		}
		require.NotNil(t, limit)
		assert.Equal(t, shopcache.DefaultRecentLimit, limit.Value)
	})
}

func TestSearchCommand(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run("search", "desk", "lamp")
	require.NoError(t, err)
	assert.Contains(t, out, `Scraped "desk lamp"`)
	assert.Contains(t, out, "desk lamp 1")
	assert.Contains(t, out, "desk lamp 2")

	out, _, err = h.run("search", "desk lamp")
	require.NoError(t, err)
	assert.Contains(t, out, `Cache hit for "desk lamp"`)

	out, _, err = h.run("search", "desk lamp 2")
	require.NoError(t, err)
	assert.Contains(t, out, `via "desk lamp"`)
	assert.Len(t, h.source.Queries(), 1)

	_, _, err = h.run("search")
	assert.Error(t, err)
}

func TestSearchCommand_Explain(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run("search", "desk lamp")
	require.NoError(t, err)

	_, stderr, err := h.run("--log-level", "info", "search", "--explain", "desk lamp 1")
	require.NoError(t, err)
	assert.Contains(t, stderr, "known=true")
	assert.Contains(t, stderr, "candidate accepted")
}

func TestAdminCommands(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run("search", "desk lamp")
	require.NoError(t, err)

	out, _, err := h.run("stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Products: 2")
	assert.Contains(t, out, "Queries: 1")
	assert.Contains(t, out, "Indexed names: 2")

	out, _, err = h.run("products", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "desk lamp 2")
	assert.NotContains(t, out, "desk lamp 1")

	_, _, err = h.run("products", "--limit", "0")
	assert.Error(t, err)

	_, stderr, err := h.run("reindex")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Starting reindex of 2 product names")

	out, _, err = h.run("delete-query", "desk lamp")
	require.NoError(t, err)
	assert.Contains(t, out, `Deleted 2 products for "desk lamp"`)

	out, _, err = h.run("stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Products: 0")
	assert.Contains(t, out, "Indexed names: 0")
}

func TestDeleteItemCommand(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run("search", "desk lamp")
	require.NoError(t, err)

	out, _, err := h.run("delete-item", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted product 1")

	_, _, err = h.run("delete-item", "1")
	assert.Error(t, err)

	_, _, err = h.run("delete-item", "one")
	assert.Error(t, err)

	out, _, err = h.run("stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed names: 1")
}

func TestClearAndSweepCommands(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run("search", "desk lamp")
	require.NoError(t, err)

	out, _, err := h.run("sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 expired products")

	out, _, err = h.run("sweep", "--ttl", "1ns")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 2 expired products")

	_, _, err = h.run("search", "desk lamp")
	require.NoError(t, err)
	out, _, err = h.run("clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Cache cleared")

	out, _, err = h.run("stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Products: 0")
}
