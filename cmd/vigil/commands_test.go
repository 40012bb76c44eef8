package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/rulecache"
)

func TestReportText(t *testing.T) {
	outputJSON = false
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	res := rulecache.BatchResult{
		Total:     3,
		Succeeded: 1,
		Deflected: 1,
		Failed:    1,
		Elapsed:   time.Second,
		Errors:    map[string]error{"t2": errors.New("source down")},
	}
	err := report(cmd, "refresh", res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 tenants failed")
	assert.Contains(t, out.String(), "refresh: 3 tenants, 1 ok, 1 deflected, 1 failed")
	assert.Contains(t, out.String(), "t2: source down")
}

func TestReportJSON(t *testing.T) {
	outputJSON = true
	t.Cleanup(func() { outputJSON = false })

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	res := rulecache.BatchResult{Total: 2, Succeeded: 2}
	require.NoError(t, report(cmd, "warm-up", res))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.NotContains(t, decoded, "errors")
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "warmup", "refresh", "clear"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}

	root.SetArgs([]string{"clear"})
	root.SetOut(&bytes.Buffer{})
	assert.Error(t, root.Execute(), "clear without tenants must fail")
}

// lockedCache deflects the named tenants for a number of calls.
type lockedCache struct {
	locked map[string]int
	calls  [][]string
}

func (c *lockedCache) BatchUpdate(_ context.Context, tenantIDs []string) rulecache.BatchResult {
	c.calls = append(c.calls, tenantIDs)
	res := rulecache.BatchResult{Total: len(tenantIDs), Errors: map[string]error{}}
	for _, id := range tenantIDs {
		if c.locked[id] > 0 {
			c.locked[id]--
			res.Deflected++
			res.DeflectedTenants = append(res.DeflectedTenants, id)
			continue
		}
		res.Succeeded++
	}
	return res
}

func TestRefreshRetriesLockedTenantsOnce(t *testing.T) {
	outputJSON = false
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	cache := &lockedCache{locked: map[string]int{"t2": 1}}
	require.NoError(t, refresh(context.Background(), cmd, cache, []string{"t1", "t2"}, time.Millisecond))

	assert.Equal(t, [][]string{{"t1", "t2"}, {"t2"}}, cache.calls)
	assert.Contains(t, out.String(), "refresh retry: 1 tenants, 1 ok")
	assert.NotContains(t, out.String(), "still locked")
}

func TestRefreshReportsTenantsStillLocked(t *testing.T) {
	outputJSON = false
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	cache := &lockedCache{locked: map[string]int{"t2": 5}}
	require.NoError(t, refresh(context.Background(), cmd, cache, []string{"t1", "t2"}, time.Millisecond))

	assert.Len(t, cache.calls, 2)
	assert.Contains(t, out.String(), "still locked by another instance, not refreshed: t2")
}

func TestRefreshSkipsRetryWhenNothingLocked(t *testing.T) {
	outputJSON = false
	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})

	cache := &lockedCache{locked: map[string]int{}}
	require.NoError(t, refresh(context.Background(), cmd, cache, []string{"t1"}, time.Hour))
	assert.Len(t, cache.calls, 1)
}
