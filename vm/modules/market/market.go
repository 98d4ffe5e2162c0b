// Package market implements the built-in "market" service: peer-to-peer
// asset sale listings, settled through cross-service calls into "asset"
// for ownership changes and direct account-store access for payment.
package market

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/vm"
)

const serviceName = "market"

// Listing is a P2P asset sale offer, owned entirely by the market service.
type Listing struct {
	ID        string `json:"id"`
	AssetID   string `json:"asset_id"`
	Seller    string `json:"seller"`
	Price     uint64 `json:"price"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at"`
}

func init() {
	vm.Register(serviceName, "list", vm.ReadWrite, 300, handleList)
	vm.Register(serviceName, "buy", vm.ReadWrite, 300, handleBuy)
}

func listingKey(id string) string { return "listing:" + id }

type assetView struct {
	ID              string `json:"id"`
	Owner           string `json:"owner"`
	Tradeable       bool   `json:"tradeable"`
	ActiveListingID string `json:"active_listing_id"`
}

func getAsset(ctx *vm.Context, id string) (*assetView, error) {
	req, _ := json.Marshal(map[string]string{"asset_id": id})
	body, err := ctx.Call("asset", "get_asset", req)
	if err != nil {
		return nil, err
	}
	var a assetView
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func handleList(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p core.ListMarketPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode list payload: %w", err)
	}
	if p.Price == 0 {
		return nil, errors.New("price must be > 0")
	}

	a, err := getAsset(ctx, p.AssetID)
	if err != nil {
		return nil, fmt.Errorf("asset %q not found: %w", p.AssetID, err)
	}
	if a.Owner != string(ctx.Sender()) {
		return nil, errors.New("only the asset owner can list it")
	}
	if !a.Tradeable {
		return nil, errors.New("asset is not tradeable")
	}
	if a.ActiveListingID != "" {
		return nil, fmt.Errorf("asset %q is already listed (listing %s)", p.AssetID, a.ActiveListingID)
	}

	listingID := crypto.Hash([]byte(ctx.Tx.Hash + ":listing:" + p.AssetID))
	listing := &Listing{
		ID:        listingID,
		AssetID:   p.AssetID,
		Seller:    string(ctx.Sender()),
		Price:     p.Price,
		Active:    true,
		CreatedAt: ctx.Block.Header.Timestamp,
	}
	if err := ctx.Store().PutJSON(listingKey(listingID), listing); err != nil {
		return nil, err
	}

	setListingReq, _ := json.Marshal(map[string]string{"asset_id": p.AssetID, "listing_id": listingID})
	if _, err := ctx.Call("asset", "set_listing", setListingReq); err != nil {
		return nil, fmt.Errorf("mark asset listed: %w", err)
	}

	_ = ctx.Emit("listed", map[string]any{"listing_id": listingID, "asset_id": p.AssetID, "price": p.Price})
	return json.Marshal(listing)
}

func handleBuy(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p core.BuyMarketPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode buy payload: %w", err)
	}

	var listing Listing
	if err := ctx.Store().GetJSON(listingKey(p.ListingID), &listing); err != nil {
		return nil, fmt.Errorf("listing %q not found: %w", p.ListingID, err)
	}
	if !listing.Active {
		return nil, fmt.Errorf("listing %q is no longer active", p.ListingID)
	}
	if listing.Seller == string(ctx.Sender()) {
		return nil, errors.New("seller cannot buy their own listing")
	}

	accounts := ctx.Accounts()
	buyer, err := accounts.GetAccount(ctx.Sender())
	if err != nil {
		return nil, err
	}
	if buyer.Balance < listing.Price {
		return nil, fmt.Errorf("insufficient balance: have %d need %d", buyer.Balance, listing.Price)
	}
	buyer.Balance -= listing.Price
	if err := accounts.SetAccount(buyer); err != nil {
		return nil, err
	}

	seller, err := accounts.GetAccount(listing.Seller)
	if err != nil {
		return nil, err
	}
	seller.Balance += listing.Price
	if err := accounts.SetAccount(seller); err != nil {
		return nil, err
	}

	setOwnerReq, _ := json.Marshal(map[string]string{
		"asset_id": listing.AssetID, "owner": string(ctx.Sender()), "caller": listing.Seller,
	})
	if _, err := ctx.Call("asset", "set_owner", setOwnerReq); err != nil {
		return nil, fmt.Errorf("transfer asset: %w", err)
	}
	clearListingReq, _ := json.Marshal(map[string]string{"asset_id": listing.AssetID, "listing_id": ""})
	if _, err := ctx.Call("asset", "set_listing", clearListingReq); err != nil {
		return nil, fmt.Errorf("clear asset listing flag: %w", err)
	}

	listing.Active = false
	if err := ctx.Store().PutJSON(listingKey(p.ListingID), &listing); err != nil {
		return nil, err
	}

	_ = ctx.Emit("bought", map[string]any{
		"listing_id": p.ListingID, "asset_id": listing.AssetID,
		"buyer": ctx.Sender(), "seller": listing.Seller, "price": listing.Price,
	})
	return nil, nil
}
