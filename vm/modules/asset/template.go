package asset

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/vm"
)

func init() {
	vm.Register(serviceName, "register_template", vm.ReadWrite, 300, handleRegisterTemplate)
}

func templateKey(id string) string { return "template:" + id }

func handleRegisterTemplate(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p core.RegisterTemplatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode register_template payload: %w", err)
	}
	if p.ID == "" {
		return nil, errors.New("template id required")
	}
	if ctx.Store().Has(templateKey(p.ID)) {
		return nil, fmt.Errorf("template %q already exists", p.ID)
	}
	if err := ctx.Store().PutJSON(templateKey(p.ID), p); err != nil {
		return nil, err
	}
	_ = ctx.Emit("template_registered", map[string]any{"template_id": p.ID, "name": p.Name})
	return nil, nil
}
