// Package asset implements the built-in "asset" service: mintable,
// burnable, transferable game items backed by registered templates.
package asset

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/tolchain/chainerr"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/vm"
)

const serviceName = "asset"

// Asset is a universal game asset: item, card, character, etc. Properties
// is an open map so each game genre can store arbitrary fields. This type
// lives in the asset service's own package, not core, since nothing outside
// the service touches its shape directly — cross-service callers go
// through get_asset/set_owner/set_listing instead.
type Asset struct {
	ID              string         `json:"id"`
	TemplateID      string         `json:"template_id"`
	Owner           string         `json:"owner"`
	Properties      map[string]any `json:"properties"`
	Tradeable       bool           `json:"tradeable"`
	MintedAt        int64          `json:"minted_at"`
	ActiveListingID string         `json:"active_listing_id,omitempty"`
}

func init() {
	vm.Register(serviceName, "mint", vm.ReadWrite, 500, handleMint)
	vm.Register(serviceName, "burn", vm.ReadWrite, 200, handleBurn)
	vm.Register(serviceName, "transfer", vm.ReadWrite, 200, handleTransfer)
	vm.Register(serviceName, "get_asset", vm.ReadOnly, 10, handleGetAsset)
	vm.Register(serviceName, "set_owner", vm.ReadWrite, 50, handleSetOwner)
	vm.Register(serviceName, "set_listing", vm.ReadWrite, 50, handleSetListing)
}

func assetKey(id string) string { return "asset:" + id }

func loadAsset(ctx *vm.Context, id string) (*Asset, error) {
	var a Asset
	if err := ctx.Store().GetJSON(assetKey(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func saveAsset(ctx *vm.Context, a *Asset) error {
	return ctx.Store().PutJSON(assetKey(a.ID), a)
}

func handleMint(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p core.MintAssetPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode mint payload: %w", err)
	}
	if p.TemplateID == "" {
		return nil, errors.New("template_id required")
	}

	var tmpl core.RegisterTemplatePayload
	if err := ctx.Store().GetJSON(templateKey(p.TemplateID), &tmpl); err != nil {
		return nil, fmt.Errorf("template %q not found: %w", p.TemplateID, err)
	}

	owner := p.Owner
	if owner == "" {
		owner = string(ctx.Sender())
	} else if _, err := crypto.PubKeyFromHex(owner); err != nil {
		return nil, fmt.Errorf("invalid owner pubkey: %w", err)
	}

	assetID := crypto.Hash([]byte(ctx.Tx.Hash + ":asset:" + p.TemplateID))
	a := &Asset{
		ID:         assetID,
		TemplateID: p.TemplateID,
		Owner:      owner,
		Properties: p.Properties,
		Tradeable:  tmpl.Tradeable,
		MintedAt:   ctx.Block.Header.Timestamp,
	}
	if err := saveAsset(ctx, a); err != nil {
		return nil, err
	}
	_ = ctx.Emit("minted", map[string]any{"asset_id": assetID, "template_id": p.TemplateID, "owner": owner})
	return json.Marshal(a)
}

func handleBurn(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p core.BurnAssetPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode burn payload: %w", err)
	}
	a, err := loadAsset(ctx, p.AssetID)
	if err != nil {
		return nil, fmt.Errorf("asset %q not found: %w", p.AssetID, err)
	}
	if a.Owner != string(ctx.Sender()) {
		return nil, errors.New("only the asset owner can burn it")
	}
	if a.ActiveListingID != "" {
		return nil, fmt.Errorf("asset %q has an active listing; cancel it before burning", p.AssetID)
	}
	if err := ctx.Store().Delete(assetKey(p.AssetID)); err != nil {
		return nil, err
	}
	_ = ctx.Emit("burned", map[string]any{"asset_id": p.AssetID, "owner": a.Owner})
	return nil, nil
}

func handleTransfer(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p core.TransferAssetPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode transfer payload: %w", err)
	}
	if p.To == "" {
		return nil, errors.New("to address required")
	}
	if _, err := crypto.PubKeyFromHex(p.To); err != nil {
		return nil, fmt.Errorf("invalid to pubkey: %w", err)
	}
	a, err := loadAsset(ctx, p.AssetID)
	if err != nil {
		return nil, fmt.Errorf("asset %q not found: %w", p.AssetID, err)
	}
	if a.Owner != string(ctx.Sender()) {
		return nil, errors.New("only the asset owner can transfer it")
	}
	if !a.Tradeable {
		return nil, errors.New("asset is not tradeable")
	}
	if a.ActiveListingID != "" {
		return nil, fmt.Errorf("asset %q has an active listing; cancel it before transferring", p.AssetID)
	}
	a.Owner = p.To
	if err := saveAsset(ctx, a); err != nil {
		return nil, err
	}
	_ = ctx.Emit("transferred", map[string]any{"asset_id": p.AssetID, "from": ctx.Sender(), "to": p.To})
	return nil, nil
}

// handleGetAsset is a read-only lookup other services (market) reach via
// cross-service calls instead of touching the asset namespace directly.
func handleGetAsset(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		AssetID string `json:"asset_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode get_asset request: %w", err)
	}
	a, err := loadAsset(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(a)
}

// handleSetOwner and handleSetListing are internal write entry points used
// only by the market service's cross-service calls during list/buy; they
// are registered like any other method so the call-depth bound still
// applies, but are not meant for direct client submission.
func handleSetOwner(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		AssetID string `json:"asset_id"`
		Owner   string `json:"owner"`
		Caller  string `json:"caller"` // expected asset owner, set by market
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode set_owner request: %w", err)
	}
	a, err := loadAsset(ctx, req.AssetID)
	if err != nil {
		return nil, chainerr.New(chainerr.NotFound, "asset.set_owner", err)
	}
	if req.Caller != "" && a.Owner != req.Caller {
		return nil, chainerr.New(chainerr.Unauthorized, "asset.set_owner", errors.New("caller does not own asset"))
	}
	a.Owner = req.Owner
	if err := saveAsset(ctx, a); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleSetListing(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		AssetID   string `json:"asset_id"`
		ListingID string `json:"listing_id"` // empty clears the listing
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode set_listing request: %w", err)
	}
	a, err := loadAsset(ctx, req.AssetID)
	if err != nil {
		return nil, chainerr.New(chainerr.NotFound, "asset.set_listing", err)
	}
	if req.ListingID != "" && a.ActiveListingID != "" {
		return nil, fmt.Errorf("asset %q is already listed (listing %s)", req.AssetID, a.ActiveListingID)
	}
	a.ActiveListingID = req.ListingID
	return nil, saveAsset(ctx, a)
}
