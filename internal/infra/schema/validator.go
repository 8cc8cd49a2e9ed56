package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dakydaky/ConsentBridge/internal/usecase"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const (
	applicationSchema     = "schemas/application.json"
	receiptEnvelopeSchema = "schemas/receipt_envelope.json"
)

// Validator checks inbound documents against the embedded JSON schemas.
type Validator struct {
	application *santhosh.Schema
	receipt     *santhosh.Schema
}

func NewValidator() (*Validator, error) {
	application, err := compile(applicationSchema)
	if err != nil {
		return nil, err
	}
	receipt, err := compile(receiptEnvelopeSchema)
	if err != nil {
		return nil, err
	}
	return &Validator{application: application, receipt: receipt}, nil
}

func (v *Validator) ValidateApplication(payload []byte) error {
	return validate(v.application, payload)
}

func (v *Validator) ValidateReceiptEnvelope(payload []byte) error {
	return validate(v.receipt, payload)
}

func compile(name string) (*santhosh.Schema, error) {
	raw, err := schemaFiles.ReadFile(name)
	if err != nil {
		return nil, err
	}
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}
	return compiler.Compile(name)
}

func validate(sch *santhosh.Schema, payload []byte) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return errors.New(strings.Join(leafErrors(ve), "; "))
		}
		return err
	}
	return nil
}

// leafErrors flattens the cause tree into one message per failing keyword.
func leafErrors(ve *santhosh.ValidationError) []string {
	if len(ve.Causes) == 0 {
		location := ve.InstanceLocation
		if location == "" {
			location = "/"
		}
		return []string{location + ": " + ve.Message}
	}
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, leafErrors(cause)...)
	}
	return msgs
}

var _ usecase.SchemaValidator = (*Validator)(nil)
