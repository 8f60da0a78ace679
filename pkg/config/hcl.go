package config

import (
	"fmt"
	"math/big"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

type hclDocument struct {
	Name            string        `hcl:"name"`
	Dataset         string        `hcl:"dataset,optional"`
	Destination     string        `hcl:"destination,optional"`
	CheckConnection string        `hcl:"check_connection,optional"`
	Client          hclClient     `hcl:"client,block"`
	Defaults        *hclDefaults  `hcl:"resource_defaults,block"`
	Resources       []hclResource `hcl:"resource,block"`
}

type hclClient struct {
	BaseURL      string            `hcl:"base_url"`
	Headers      map[string]string `hcl:"headers,optional"`
	Paginator    string            `hcl:"paginator,optional"`
	NextField    string            `hcl:"next_field,optional"`
	DataSelector string            `hcl:"data_selector,optional"`
	MaxRetries   *int              `hcl:"max_retries,optional"`
	Timeout      string            `hcl:"timeout,optional"`
	Auth         *hclAuth          `hcl:"auth,block"`
}

type hclAuth struct {
	Type       string `hcl:"type,optional"`
	Token      string `hcl:"token,optional"`
	TokenURL   string `hcl:"token_url,optional"`
	Username   string `hcl:"username,optional"`
	Password   string `hcl:"password,optional"`
	TokenField string `hcl:"token_field,optional"`
}

type hclDefaults struct {
	Params           cty.Value `hcl:"params,optional"`
	DataSelector     string    `hcl:"data_selector,optional"`
	PrimaryKey       string    `hcl:"primary_key,optional"`
	WriteDisposition string    `hcl:"write_disposition,optional"`
}

type hclResource struct {
	Name              string    `hcl:"name,label"`
	Path              string    `hcl:"path,optional"`
	Params            cty.Value `hcl:"params,optional"`
	DataSelector      string    `hcl:"data_selector,optional"`
	IncludeFromParent []string  `hcl:"include_from_parent,optional"`
	PrimaryKey        string    `hcl:"primary_key,optional"`
	WriteDisposition  string    `hcl:"write_disposition,optional"`
}

var resolveType = cty.Object(map[string]cty.Type{
	"type":     cty.String,
	"resource": cty.String,
	"field":    cty.String,
})

// resolveFunc builds a resolve param: resolve("berry", "name").
var resolveFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "resource", Type: cty.String},
		{Name: "field", Type: cty.String},
	},
	Type: function.StaticReturnType(resolveType),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.ObjectVal(map[string]cty.Value{
			"type":     cty.StringVal("resolve"),
			"resource": args[0],
			"field":    args[1],
		}), nil
	},
})

func evalContext(secrets Secrets) *hcl.EvalContext {
	vals := make(map[string]cty.Value, len(secrets))
	for k, v := range secrets {
		if hclsyntax.ValidIdentifier(k) {
			vals[k] = cty.StringVal(v)
		}
	}
	secret := cty.EmptyObjectVal
	if len(vals) > 0 {
		secret = cty.ObjectVal(vals)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"secret": secret},
		Functions: map[string]function.Function{"resolve": resolveFunc},
	}
}

// ParseHCL decodes an HCL document. Expressions may read secrets as
// secret.NAME and build resolve params with resolve(resource, field).
func ParseHCL(filename string, src []byte, secrets Secrets) (*Document, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %w", filename, diags)
	}

	var doc hclDocument
	if diags := gohcl.DecodeBody(file.Body, evalContext(secrets), &doc); diags.HasErrors() {
		return nil, fmt.Errorf("decode %s: %w", filename, diags)
	}

	tree, err := doc.tree()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return decode(filename, tree)
}

// tree converts the HCL form into the generic document the schema checks.
func (d *hclDocument) tree() (map[string]any, error) {
	client := map[string]any{"base_url": d.Client.BaseURL}
	if len(d.Client.Headers) > 0 {
		headers := make(map[string]any, len(d.Client.Headers))
		for k, v := range d.Client.Headers {
			headers[k] = v
		}
		client["headers"] = headers
	}
	setString(client, "paginator", d.Client.Paginator)
	setString(client, "next_field", d.Client.NextField)
	setString(client, "data_selector", d.Client.DataSelector)
	setString(client, "timeout", d.Client.Timeout)
	if d.Client.MaxRetries != nil {
		client["max_retries"] = *d.Client.MaxRetries
	}
	if a := d.Client.Auth; a != nil {
		auth := map[string]any{}
		setString(auth, "type", a.Type)
		setString(auth, "token", a.Token)
		setString(auth, "token_url", a.TokenURL)
		setString(auth, "username", a.Username)
		setString(auth, "password", a.Password)
		setString(auth, "token_field", a.TokenField)
		client["auth"] = auth
	}

	tree := map[string]any{"name": d.Name, "client": client}
	setString(tree, "dataset", d.Dataset)
	setString(tree, "destination", d.Destination)
	setString(tree, "check_connection", d.CheckConnection)

	if def := d.Defaults; def != nil {
		endpoint := map[string]any{}
		params, err := ctyToAny(def.Params)
		if err != nil {
			return nil, fmt.Errorf("resource_defaults params: %w", err)
		}
		if params != nil {
			endpoint["params"] = params
		}
		setString(endpoint, "data_selector", def.DataSelector)
		defaults := map[string]any{"endpoint": endpoint}
		setString(defaults, "primary_key", def.PrimaryKey)
		setString(defaults, "write_disposition", def.WriteDisposition)
		tree["resource_defaults"] = defaults
	}

	resources := make([]any, 0, len(d.Resources))
	for _, r := range d.Resources {
		params, err := ctyToAny(r.Params)
		if err != nil {
			return nil, fmt.Errorf("resource %q params: %w", r.Name, err)
		}
		endpoint := map[string]any{}
		setString(endpoint, "path", r.Path)
		setString(endpoint, "data_selector", r.DataSelector)
		if params != nil {
			endpoint["params"] = params
		}

		res := map[string]any{"name": r.Name, "endpoint": endpoint}
		if len(r.IncludeFromParent) > 0 {
			fields := make([]any, len(r.IncludeFromParent))
			for i, f := range r.IncludeFromParent {
				fields[i] = f
			}
			res["include_from_parent"] = fields
		}
		setString(res, "primary_key", r.PrimaryKey)
		setString(res, "write_disposition", r.WriteDisposition)
		resources = append(resources, res)
	}
	tree["resources"] = resources
	return tree, nil
}

func setString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// ctyToAny converts an evaluated HCL value into plain Go values. Whole
// numbers become int64.
func ctyToAny(val cty.Value) (any, error) {
	if val.IsNull() || !val.IsKnown() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty.Equals(cty.String):
		return val.AsString(), nil
	case ty.Equals(cty.Bool):
		return val.True(), nil
	case ty.Equals(cty.Number):
		bf := val.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			converted, err := ctyToAny(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = converted
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			converted, err := ctyToAny(v)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
