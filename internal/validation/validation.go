// Package validation checks request bodies against the JSON schemas
// embedded in schemas/. Failures come back as *apperr.ValidationError with
// one entry per offending field.
package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nimmit/backend/internal/apperr"
)

// Schema names.
const (
	CreateBriefing    = "create_briefing"
	CreateJob         = "create_job"
	UpdateJob         = "update_job"
	ProcessPayouts    = "process_payouts"
	Register          = "register"
	Login             = "login"
	ChangePassword    = "change_password"
	SubmitApplication = "submit_application"
	RejectApplication = "reject_application"
	UpdateWorker      = "update_worker"
	GrantCredits      = "grant_credits"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		url := "https://nimmit.app/schemas/" + e.Name()
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
		s, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		schemas[name] = s
	}
	return &Validator{schemas: schemas}, nil
}

// MustNew is New for wiring code where a broken embedded schema is a bug.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Decode validates body against the named schema and unmarshals it into dst.
func (v *Validator) Decode(name string, body []byte, dst any) error {
	if err := v.Validate(name, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.Invalid("body", "could not be decoded")
	}
	return nil
}

// MaxBodyBytes caps request bodies read by DecodeRequest.
const MaxBodyBytes = 1 << 20

// DecodeRequest reads r's body and decodes it like Decode.
func (v *Validator) DecodeRequest(r *http.Request, name string, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return apperr.Invalid("body", "could not be read")
	}
	if len(body) > MaxBodyBytes {
		return apperr.Invalid("body", "is too large")
	}
	return v.Decode(name, body, dst)
}

// Validate reports whether body satisfies the named schema.
func (v *Validator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return apperr.Invalid("body", "must be valid JSON")
	}
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	fields := map[string]string{}
	collect(ve, fields)
	if len(fields) == 0 {
		fields["body"] = ve.Message
	}
	return &apperr.ValidationError{Fields: fields}
}

// collect walks to the leaf causes, which carry the specific messages.
func collect(ve *jsonschema.ValidationError, fields map[string]string) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collect(c, fields)
		}
		return
	}
	if missing, ok := strings.CutPrefix(ve.Message, "missing properties: "); ok {
		for _, name := range strings.Split(missing, ",") {
			name = strings.Trim(strings.TrimSpace(name), `"'`)
			fields[join(ve.InstanceLocation, name)] = "is required"
		}
		return
	}
	field := join(ve.InstanceLocation, "")
	if _, seen := fields[field]; !seen {
		fields[field] = ve.Message
	}
}

func join(location, name string) string {
	parts := strings.FieldsFunc(location, func(r rune) bool { return r == '/' })
	if name != "" {
		parts = append(parts, name)
	}
	if len(parts) == 0 {
		return "body"
	}
	return strings.Join(parts, ".")
}
