package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/WessleyAI/wessley-specharvest/engine/catalog"
	"github.com/WessleyAI/wessley-specharvest/engine/store"
)

const detailHTML = `<html><body>
<h1 class="newstitle">Acme X1 Models/Series Timeline, Specifications &amp; Photos</h1>
<div class="engine-block"><h3>X1 1.5L</h3>
<table class="techdata"><tr><th class="title">Engine Specs</th></tr>
<tr><td class="left">Cylinders:</td><td class="right">4</td></tr></table>
</div></body></html>`

const modelHTML = `<html><body>
<h1 class="newstitle">Acme X1 Models/Series Timeline, Specifications &amp; Photos</h1>
<a class="mpic" href="#"><img src="/img/x1.jpg"></a>
<div class="mot clearfix"><strong>Gasoline Engines:</strong>
<a class="engurl semibold" href="/engines/x1-15.html">1.5L 4-cyl (150 HP)</a>
</div></body></html>`

type cliTestEnv struct {
	server     *httptest.Server
	hits       atomic.Int64
	configPath string
	storeDir   string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	env := &cliTestEnv{baseDir: t.TempDir()}
	env.storeDir = filepath.Join(env.baseDir, "specs")

	mux := http.NewServeMux()
	mux.HandleFunc("/engines/x1-15.html", func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		io.WriteString(w, detailHTML)
	})
	mux.HandleFunc("/cars/acme-x1.html", func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		io.WriteString(w, modelHTML)
	})
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)

	env.configPath = filepath.Join(env.baseDir, "config.toml")
	writeTestConfig(t, env.configPath, fmt.Sprintf(`
[site]
base_url = %q

[fetch]
retries = 0

[pacing]
detail_min_delay = 0
detail_max_delay = 0
discovery_delay = 0

[store]
dir = %q

[logging]
level = "error"
format = "text"
`, env.server.URL, env.storeDir))
	return env
}

func writeTestConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func (env *cliTestEnv) writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(env.baseDir, "engines.csv")
	var b bytes.Buffer
	err := catalog.WriteRows(&b, []catalog.InputRow{{
		Manufacturer: "Acme",
		ModelName:    "X1",
		FuelType:     "Gasoline",
		EngineName:   "1.5L 4-cyl (150 HP)",
		SourceLink:   env.server.URL + "/engines/x1-15.html",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHarvestCommandIsIncremental(t *testing.T) {
	env := setupCLITestEnv(t)
	input := env.writeInput(t)

	out, err := runCLI(t, "--config", env.configPath, "harvest", input)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if !strings.Contains(out, "Acme") || !strings.Contains(out, "new") {
		t.Fatalf("report missing manufacturer:\n%s", out)
	}

	st, err := store.Open(env.storeDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	coll, err := st.Load("Acme")
	if err != nil {
		t.Fatal(err)
	}
	if coll.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", coll.Len())
	}
	first, err := os.ReadFile(st.Path("Acme"))
	if err != nil {
		t.Fatal(err)
	}

	hits := env.hits.Load()
	if _, err := runCLI(t, "--config", env.configPath, "harvest", input); err != nil {
		t.Fatalf("second harvest: %v", err)
	}
	if env.hits.Load() != hits {
		t.Fatal("known engine was fetched again")
	}
	second, _ := os.ReadFile(st.Path("Acme"))
	if !bytes.Equal(first, second) {
		t.Fatal("second run changed the collection")
	}
}

func TestHarvestCommandRejectsLockedStore(t *testing.T) {
	env := setupCLITestEnv(t)
	input := env.writeInput(t)

	st, err := store.Open(env.storeDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Lock(); err != nil {
		t.Fatal(err)
	}
	defer st.Unlock()

	_, err = runCLI(t, "--config", env.configPath, "harvest", input)
	if err == nil || !strings.Contains(err.Error(), "another harvest") {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestHarvestCommandRejectsInvalidInput(t *testing.T) {
	env := setupCLITestEnv(t)
	path := filepath.Join(env.baseDir, "empty.csv")
	os.WriteFile(path, nil, 0o644)

	if _, err := runCLI(t, "--config", env.configPath, "harvest", path); err == nil {
		t.Fatal("expected error for empty input")
	}
	if env.hits.Load() != 0 {
		t.Fatal("invalid input must not fetch")
	}
}

func TestDiscoverCommandWritesHarvestInput(t *testing.T) {
	env := setupCLITestEnv(t)
	models := filepath.Join(env.baseDir, "models.csv")
	os.WriteFile(models, []byte("brand,model_name,model_link\nAcme,X1,"+env.server.URL+"/cars/acme-x1.html\n"), 0o644)
	output := filepath.Join(env.baseDir, "engines.csv")

	if _, err := runCLI(t, "--config", env.configPath, "discover", models, "-o", output); err != nil {
		t.Fatalf("discover: %v", err)
	}
	f, err := os.Open(output)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := catalog.ReadRows(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Manufacturer != "Acme" || rows[0].Horsepower != "150 HP" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if !strings.HasSuffix(rows[0].SourceLink, "/engines/x1-15.html") {
		t.Fatalf("unexpected link %q", rows[0].SourceLink)
	}
}

func TestStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, "--config", env.configPath, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No collections") {
		t.Fatalf("unexpected output: %s", out)
	}

	if _, err := runCLI(t, "--config", env.configPath, "harvest", env.writeInput(t)); err != nil {
		t.Fatal(err)
	}
	out, err = runCLI(t, "--config", env.configPath, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Acme") || !strings.Contains(strings.ToLower(out), "records") {
		t.Fatalf("unexpected status:\n%s", out)
	}
}

func TestConfigErrorsSurface(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.toml")
	writeTestConfig(t, bad, "[fetch]\nretries = -1\n")
	if _, err := runCLI(t, "--config", bad, "status"); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := runCLI(t, "--config", filepath.Join(dir, "missing.toml"), "status"); err == nil {
		t.Fatal("expected missing config error")
	}
}

func TestLogLevelFlagOverridesConfig(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, err := runCLI(t, "--config", env.configPath, "--log-level", "loud", "status"); err == nil {
		t.Fatal("expected invalid level error")
	}
}
