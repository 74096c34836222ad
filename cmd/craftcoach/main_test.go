package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CRAFTCOACH_DB", filepath.Join(dir, "craftcoach.db"))
	t.Setenv("CRAFTCOACH_LOG_LEVEL", "error")
	t.Setenv("HTTP_MIN_TIME", "0")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	dir := setupEnv(t)
	badConfig := filepath.Join(dir, "config.ini")
	if err := os.WriteFile(badConfig, []byte("addr=1"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	tests := []struct {
		name    string
		args    []string
		wantErr bool
		wantOut string
	}{
		{name: "version flag", args: []string{"--version"}, wantOut: "dev"},
		{name: "help flag", args: []string{"--help"}, wantOut: "refresh-prices"},
		{name: "unknown command", args: []string{"nonexistent-command"}, wantErr: true},
		{name: "unsupported config", args: []string{"--config", badConfig, "tools"}, wantErr: true},
		{name: "missing config", args: []string{"--config", filepath.Join(dir, "none.toml"), "tools"}, wantErr: true},
		{name: "invalid tool arguments", args: []string{"tools", "call", "price_tool", "{"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("got error %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("got output %q, want it to contain %q", out, tt.wantOut)
			}
		})
	}
}

func startServer(t *testing.T) string {
	t.Helper()

	a := &app{}
	if err := a.load(io.Discard); err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- a.serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("got serve error %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return "http://" + ln.Addr().String()
}

func TestServe(t *testing.T) {
	setupEnv(t)
	base := startServer(t)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("failed to get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if report.Status != "ok" || report.Sessions != 0 || report.Process.PID == 0 {
		t.Errorf("got report %+v", report)
	}

	out, err := execute(t, "tools", "--endpoint", base+"/mcp")
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	for _, name := range []string{"price_tool", "mod_lookup_tool", "item_read_tool", "wiki_tool", "search", "fetch"} {
		if !strings.Contains(out, name) {
			t.Errorf("tool %s missing from output %q", name, out)
		}
	}

	out, err = execute(t, "tools", "call", "--endpoint", base+"/mcp", "price_tool", `{"itemOrCurrency":"Mageblood"}`)
	if err == nil {
		t.Error("expected error for item without prices, got nil")
	}
	if !strings.Contains(out, "No pricing data found") {
		t.Errorf("got output %q", out)
	}

	out, err = execute(t, "tools", "call", "--endpoint", base+"/mcp", "item_read_tool",
		`{"clipboardText":"Rarity: Rare\nStorm Loop\nRuby Ring\n--------\nItem Level: 84"}`)
	if err != nil {
		t.Fatalf("failed to call item_read_tool: %v", err)
	}
	if !strings.Contains(out, `"ilvl":84`) {
		t.Errorf("got output %q", out)
	}
}

func TestRefreshCommands(t *testing.T) {
	dir := setupEnv(t)

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ninja/currencyoverview" && r.URL.Query().Get("type") == "Currency":
			_, _ = w.Write([]byte(`{"lines":[{"currencyTypeName":"Divine Orb","chaosEquivalent":180}]}`))
		case strings.HasPrefix(r.URL.Path, "/ninja/"):
			_, _ = w.Write([]byte(`{"lines":[]}`))
		case r.URL.Path == "/watch/get":
			_, _ = w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer remote.Close()

	out, err := execute(t, "refresh-prices", "--league", "Settlers",
		"--ninja-api", remote.URL+"/ninja", "--watch-api", remote.URL+"/watch")
	if err != nil {
		t.Fatalf("failed to refresh prices: %v", err)
	}
	if want := "Settlers: 1 poe.ninja and 0 poe.watch prices stored"; !strings.Contains(out, want) {
		t.Errorf("got output %q, want %q", out, want)
	}

	modsFile := filepath.Join(dir, "mods.json")
	mods := `{"Strength1":{"name":"of the Brute","domain":"item","generation_type":"suffix","group":"Strength"}}`
	if err := os.WriteFile(modsFile, []byte(mods), 0o600); err != nil {
		t.Fatalf("failed to write mods: %v", err)
	}
	out, err = execute(t, "seed-mods", "--file", modsFile)
	if err != nil {
		t.Fatalf("failed to seed mods: %v", err)
	}
	if !strings.Contains(out, "1 mods stored") {
		t.Errorf("got output %q", out)
	}
}
