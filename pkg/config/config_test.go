package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/rest-pipeline/internal/testutil"
	"github.com/Sternrassler/rest-pipeline/pkg/logging"
	"github.com/Sternrassler/rest-pipeline/pkg/pagination"
	"github.com/Sternrassler/rest-pipeline/pkg/pipeline"
	"github.com/Sternrassler/rest-pipeline/pkg/resource"
	"github.com/Sternrassler/rest-pipeline/pkg/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ercotYAML = `
name: ercot
dataset: ercot_public
client:
  base_url: https://api.ercot.com/api/public-reports/
  headers:
    Ocp-Apim-Subscription-Key: ${ERCOT_SUBSCRIPTION_KEY}
  auth:
    type: bearer
    token: ${ERCOT_TOKEN}
  timeout: 45s
  max_retries: 5
resource_defaults:
  primary_key: id
  write_disposition: replace
  endpoint:
    params:
      per_page: 100
resources:
  - name: solar_production_5_min_avg
    endpoint:
      path: np4-746-cd/spp_actual_5min_avg_values_geo
      params:
        intervalEndingFrom: "2024-08-01T00:00:00"
        intervalEndingTo: "2024-09-01T00:00:00"
  - products
  - name: product_archives
    endpoint:
      path: archive/{emil_id}
      params:
        emil_id:
          type: resolve
          resource: products
          field: emilId
        per_page: 10
    include_from_parent: [emilId, name]
    write_disposition: append
`

const pokemonHCL = `
name             = "pokemon"
dataset          = "rest_api_data"
check_connection = "pokemon"

client {
  base_url  = "https://pokeapi.co/api/v2/"
  paginator = "json_link"
  headers = {
    "X-Api-Key" = secret.POKE_KEY
  }
}

resource_defaults {
  params = { limit = 1000 }
}

resource "pokemon" {}
resource "berry" {}

resource "berry_details" {
  path = "berry/{berry_name}"
  params = {
    berry_name = resolve("berry", "name")
  }
  include_from_parent = ["url"]
}

resource "location_areas" {
  path = "location/{id}"
  params = {
    id = { type = "resolve", resource = "location", field = "id" }
  }
}

resource "location" {
  write_disposition = "append"
}
`

func testSecrets() Secrets {
	return Secrets{
		"ERCOT_SUBSCRIPTION_KEY": "sub-key",
		"ERCOT_TOKEN":            "tok",
		"POKE_KEY":               "poke",
	}
}

func byName(t *testing.T, defs []resource.Definition, name string) resource.Definition {
	t.Helper()
	for _, d := range defs {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("no definition %q", name)
	return resource.Definition{}
}

func TestLoadSecrets(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("ERCOT_USERNAME=file-user\nERCOT_PASSWORD=file-pass\n"), 0o600))
	t.Setenv("ERCOT_PASSWORD", "env-pass")

	secrets, err := LoadSecrets(envFile)
	require.NoError(t, err)
	assert.Equal(t, "file-user", secrets["ERCOT_USERNAME"])
	assert.Equal(t, "env-pass", secrets["ERCOT_PASSWORD"], "environment overrides .env")

	_, err = LoadSecrets(filepath.Join(dir, "missing.env"))
	assert.NoError(t, err)
}

func TestSecrets_Expand(t *testing.T) {
	s := Secrets{"USER": "ash", "HOST": "pallet"}

	got, err := s.Expand("${USER}@${HOST}/{id}")
	require.NoError(t, err)
	assert.Equal(t, "ash@pallet/{id}", got)

	_, err = s.Expand("${USER}:${PASSWORD}")
	var missing *MissingSecretError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"PASSWORD"}, missing.Names)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestParseYAML(t *testing.T) {
	doc, err := ParseYAML("ercot.yaml", []byte(ercotYAML), testSecrets())
	require.NoError(t, err)

	assert.Equal(t, "ercot", doc.Name)
	assert.Equal(t, "ercot_public", doc.Dataset)
	assert.Equal(t, "sub-key", doc.Client.Headers["Ocp-Apim-Subscription-Key"])
	require.Len(t, doc.Resources, 3)
	assert.Equal(t, "products", doc.Resources[1].Name)
	assert.Equal(t, "products", doc.Resources[1].Endpoint.Path)

	defs := doc.Definitions()

	solar := byName(t, defs, "solar_production_5_min_avg")
	assert.Equal(t, resource.KindIndependent, solar.Kind)
	assert.Equal(t, "id", solar.PrimaryKey)
	assert.Equal(t, resource.WriteReplace, solar.WriteDisposition)
	assert.Equal(t, json.Number("100"), solar.Params["per_page"].Value())
	assert.Equal(t, "2024-08-01T00:00:00", solar.Params["intervalEndingFrom"].Value())

	archives := byName(t, defs, "product_archives")
	assert.Equal(t, resource.KindDependent, archives.Kind)
	assert.Equal(t, "products", archives.Parent)
	assert.Equal(t, "archive/{emil_id}", archives.Path)
	assert.Equal(t, []string{"emilId", "name"}, archives.IncludeFromParent)
	assert.Equal(t, resource.WriteAppend, archives.WriteDisposition)
	assert.Equal(t, json.Number("10"), archives.Params["per_page"].Value(), "resource params override defaults")
	require.True(t, archives.Params["emil_id"].IsResolved())
	assert.Equal(t, &resource.ResolvedParam{Resource: "products", Field: "emilId"}, archives.Params["emil_id"].Resolved())

	g, err := doc.Graph()
	require.NoError(t, err)
	var order []string
	for _, d := range g.Order() {
		order = append(order, d.Name)
	}
	assert.Equal(t, []string{"solar_production_5_min_avg", "products", "product_archives"}, order)
}

func TestParseYAML_MissingSecret(t *testing.T) {
	_, err := ParseYAML("ercot.yaml", []byte(ercotYAML), Secrets{"ERCOT_TOKEN": "tok"})

	var missing *MissingSecretError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"ERCOT_SUBSCRIPTION_KEY"}, missing.Names)
}

func TestParseYAML_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "missing client",
			doc:  "name: x\nresources: [a]\n",
		},
		{
			name: "unknown write disposition",
			doc:  "name: x\nclient: {base_url: http://x/}\nresources:\n  - name: a\n    write_disposition: merge\n",
		},
		{
			name: "unknown top-level key",
			doc:  "name: x\nclient: {base_url: http://x/}\nresources: [a]\nsources: []\n",
		},
		{
			name: "unknown paginator",
			doc:  "name: x\nclient: {base_url: http://x/, paginator: cursor}\nresources: [a]\n",
		},
		{
			name: "no resources",
			doc:  "name: x\nclient: {base_url: http://x/}\nresources: []\n",
		},
		{
			name: "incomplete resolve param",
			doc:  "name: x\nclient: {base_url: http://x/}\nresources:\n  - name: a\n    endpoint:\n      params:\n        id: {type: resolve, resource: b}\n",
		},
		{
			name: "duplicate resource",
			doc:  "name: x\nclient: {base_url: http://x/}\nresources: [a, a]\n",
		},
		{
			name: "two parents",
			doc: "name: x\nclient: {base_url: http://x/}\nresources:\n  - a\n  - b\n  - name: c\n    endpoint:\n      params:\n" +
				"        p: {type: resolve, resource: a, field: id}\n        q: {type: resolve, resource: b, field: id}\n",
		},
		{
			name: "empty document",
			doc:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML("bad.yaml", []byte(tt.doc), Secrets{})
			assert.ErrorIs(t, err, ErrInvalidDocument)
		})
	}
}

func TestParseHCL(t *testing.T) {
	doc, err := ParseHCL("pokemon.hcl", []byte(pokemonHCL), testSecrets())
	require.NoError(t, err)

	assert.Equal(t, "pokemon", doc.Name)
	assert.Equal(t, "rest_api_data", doc.Dataset)
	assert.Equal(t, "pokemon", doc.CheckConnection)
	assert.Equal(t, "poke", doc.Client.Headers["X-Api-Key"])

	defs := doc.Definitions()
	require.Len(t, defs, 5)

	pokemon := byName(t, defs, "pokemon")
	assert.Equal(t, "pokemon", pokemon.Path)
	assert.Equal(t, json.Number("1000"), pokemon.Params["limit"].Value())

	details := byName(t, defs, "berry_details")
	assert.Equal(t, "berry", details.Parent)
	assert.Equal(t, []string{"url"}, details.IncludeFromParent)
	assert.Equal(t, &resource.ResolvedParam{Resource: "berry", Field: "name"}, details.Params["berry_name"].Resolved())

	areas := byName(t, defs, "location_areas")
	assert.Equal(t, "location", areas.Parent)

	location := byName(t, defs, "location")
	assert.Equal(t, resource.WriteAppend, location.WriteDisposition)

	g, err := doc.Graph()
	require.NoError(t, err)
	var order []string
	for _, d := range g.Order() {
		order = append(order, d.Name)
	}
	assert.Equal(t, []string{"pokemon", "berry", "berry_details", "location", "location_areas"}, order)
}

func TestParseHCL_Errors(t *testing.T) {
	_, err := ParseHCL("bad.hcl", []byte(`name = "x"`), Secrets{})
	assert.Error(t, err, "client block is required")

	_, err = ParseHCL("bad.hcl", []byte(`name = "x"
client { base_url = secret.NOPE }
resource "a" {}
`), Secrets{})
	assert.Error(t, err)

	_, err = ParseHCL("bad.hcl", []byte(`name = "x"
client { base_url = "http://x/" }
resource "a" { write_disposition = "merge" }
`), Secrets{})
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestParseHCL_SecretNames(t *testing.T) {
	secrets := testSecrets()
	secrets["ERCOT-LEGACY-KEY"] = "skipped"
	secrets["1ST_KEY"] = "skipped"

	doc, err := ParseHCL("pokemon.hcl", []byte(pokemonHCL), secrets)
	require.NoError(t, err)
	assert.Equal(t, "poke", doc.Client.Headers["X-Api-Key"])

	ctx := evalContext(secrets)
	names := ctx.Variables["secret"].Type().AttributeTypes()
	assert.Contains(t, names, "POKE_KEY")
	assert.NotContains(t, names, "ERCOT-LEGACY-KEY")
	assert.NotContains(t, names, "1ST_KEY")
}

func TestParse_LogsDocument(t *testing.T) {
	buf := &bytes.Buffer{}
	logging.Setup(logging.Config{Level: logging.LevelDebug, Output: buf})
	t.Cleanup(func() { logging.Setup(logging.Config{Level: logging.LevelInfo, Output: io.Discard}) })

	_, err := Parse("pokemon.hcl", []byte(pokemonHCL), testSecrets())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Pipeline document loaded")
	assert.Contains(t, out, `"component":"config"`)
	assert.Contains(t, out, `"resources":5`)
}

func TestParse_Extension(t *testing.T) {
	_, err := Parse("pipeline.toml", nil, Secrets{})
	assert.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "ercot.yml")
	require.NoError(t, os.WriteFile(path, []byte(ercotYAML), 0o600))
	doc, err := Load(path, testSecrets())
	require.NoError(t, err)
	assert.Equal(t, path, doc.File)
}

func TestDocument_Graph_IncludeWithoutParent(t *testing.T) {
	doc, err := ParseYAML("x.yaml", []byte("name: x\nclient: {base_url: http://x/}\nresources:\n  - name: a\n    include_from_parent: [id]\n"), Secrets{})
	require.NoError(t, err)

	_, err = doc.Graph()
	assert.ErrorIs(t, err, resource.ErrInvalidDefinition)
}

func TestDocument_Graph_UnknownParent(t *testing.T) {
	doc, err := ParseHCL("x.hcl", []byte(`name = "x"
client { base_url = "http://x/" }
resource "a" {
  path   = "a/{id}"
  params = { id = resolve("ghost", "id") }
}
`), Secrets{})
	require.NoError(t, err)

	_, err = doc.Graph()
	assert.ErrorIs(t, err, resource.ErrUnknownParent)
}

func TestDocument_ClientConfig(t *testing.T) {
	doc, err := ParseYAML("ercot.yaml", []byte(ercotYAML), testSecrets())
	require.NoError(t, err)

	cfg, err := doc.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://api.ercot.com/api/public-reports/", cfg.BaseURL)
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, pagination.Auto{NextField: "next"}, cfg.Paginator)
	assert.Nil(t, doc.TokenProvider())

	hcl, err := ParseHCL("pokemon.hcl", []byte(pokemonHCL), testSecrets())
	require.NoError(t, err)
	cfg, err = hcl.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, pagination.JSONLink{NextField: "next"}, cfg.Paginator)
	assert.Empty(t, cfg.Token)
}

func TestDocument_ClientConfig_BadTimeout(t *testing.T) {
	doc, err := ParseYAML("x.yaml", []byte("name: x\nclient: {base_url: http://x/, timeout: soon}\nresources: [a]\n"), Secrets{})
	require.NoError(t, err)
	_, err = doc.ClientConfig()
	assert.Error(t, err)
}

func TestDocument_PipelineConfig(t *testing.T) {
	doc, err := ParseHCL("pokemon.hcl", []byte(pokemonHCL), testSecrets())
	require.NoError(t, err)
	assert.Equal(t, pipeline.Config{Name: "pokemon", Destination: "jsonl", Dataset: "rest_api_data"}, doc.PipelineConfig("jsonl"))
}

func TestDocument_NewSource(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	var tokenRequests atomic.Int32
	api.SetHandler("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests.Add(1)
		if r.Method != http.MethodPost || r.URL.Query().Get("username") != "ash" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		io.WriteString(w, `{"id_token":"fresh-token","expires_in":3600}`)
	})
	api.SetCollection("/berry", 1, []map[string]any{
		{"name": "cheri", "url": api.URL() + "/berry/1/"},
		{"name": "chesto", "url": api.URL() + "/berry/2/"},
	})
	api.SetJSON("/berry/cheri", map[string]any{"id": 1, "firmness": "soft"})
	api.SetJSON("/berry/chesto", map[string]any{"id": 2, "firmness": "super-hard"})

	src := fmt.Sprintf(`
name: berries
check_connection: berry
client:
  base_url: %[1]s/
  paginator: json_link
  auth:
    token_url: "%[1]s/token?username={username}&password={password}"
    username: ${API_USER}
    password: ${API_PASSWORD}
    token_field: id_token
resources:
  - berry
  - name: berry_details
    endpoint:
      path: berry/{berry_name}
      params:
        berry_name: {type: resolve, resource: berry, field: name}
    include_from_parent: [url]
`, api.URL())

	doc, err := ParseYAML("berries.yaml", []byte(src), Secrets{"API_USER": "ash", "API_PASSWORD": "pikachu"})
	require.NoError(t, err)

	source, c, err := doc.NewSource(context.Background(), nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "berry", source.Probe)

	mem := sink.NewMemory()
	p, err := pipeline.New(doc.PipelineConfig(sink.DestinationMemory), mem)
	require.NoError(t, err)

	info, err := p.Run(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, 4, info.TotalRows())
	assert.Equal(t, "Bearer fresh-token", api.LastRequestHeader().Get("Authorization"))
	assert.EqualValues(t, 1, tokenRequests.Load(), "cached token reused for every request")

	details := mem.Rows("berries", "berry_details")
	require.Len(t, details, 2)
	url, _ := details[1].Get("_berry_url")
	assert.Equal(t, api.URL()+"/berry/2/", url)
}

func TestDocument_NewSource_AuthFailure(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse("/token", testutil.MockResponse{StatusCode: http.StatusUnauthorized, Body: `{"error":"invalid_grant"}`})

	doc, err := ParseYAML("x.yaml", []byte(fmt.Sprintf(`
name: x
client:
  base_url: %[1]s/
  auth: {token_url: "%[1]s/token"}
resources: [a]
`, api.URL())), Secrets{})
	require.NoError(t, err)

	_, _, err = doc.NewSource(context.Background(), nil)
	assert.Error(t, err)
}

func TestLoad_ShippedPipelines(t *testing.T) {
	secrets := Secrets{
		"ERCOT_USERNAME":         "user@example.com",
		"ERCOT_PASSWORD":         "secret",
		"ERCOT_SUBSCRIPTION_KEY": "key",
	}

	for _, name := range []string{"ercot.yaml", "pokemon.hcl"} {
		t.Run(name, func(t *testing.T) {
			doc, err := Load(filepath.Join("..", "..", "pipelines", name), secrets)
			require.NoError(t, err)

			_, err = doc.Graph()
			require.NoError(t, err)
			_, err = doc.ClientConfig()
			require.NoError(t, err)
		})
	}

	ercot, err := Load(filepath.Join("..", "..", "pipelines", "ercot.yaml"), secrets)
	require.NoError(t, err)
	tp := ercot.TokenProvider()
	require.NotNil(t, tp)
	assert.Contains(t, tp.TokenURL(), "username=user%40example.com")
}
