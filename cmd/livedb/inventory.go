package main

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/INLOpen/livedb/codec"
	"github.com/INLOpen/livedb/core"
)

// Product is one stocked item.
type Product struct {
	SKU   string
	Name  string
	Stock int
}

// Inventory is the model served by the livedb binary.
type Inventory struct {
	Products map[string]*Product
}

func NewInventory() *Inventory {
	return &Inventory{Products: make(map[string]*Product)}
}

func (inv *Inventory) Clone() *Inventory {
	out := &Inventory{Products: make(map[string]*Product, len(inv.Products))}
	for sku, p := range inv.Products {
		cp := *p
		out.Products[sku] = &cp
	}
	return out
}

// SKUs returns product SKUs in order.
func (inv *Inventory) SKUs() []string {
	out := make([]string, 0, len(inv.Products))
	for sku := range inv.Products {
		out = append(out, sku)
	}
	sort.Strings(out)
	return out
}

// AddProduct registers a new SKU with an initial stock level.
type AddProduct struct {
	SKU   string
	Name  string
	Stock int
}

func (c *AddProduct) CommandName() string { return "inventory.AddProduct" }

func (c *AddProduct) Prepare(_ context.Context, inv *Inventory) error {
	c.SKU = strings.ToUpper(strings.TrimSpace(c.SKU))
	if c.SKU == "" {
		return &core.ValidationError{Field: "SKU", Value: c.SKU, Message: "must not be empty"}
	}
	if c.Stock < 0 {
		return &core.ValidationError{Field: "Stock", Value: strconv.Itoa(c.Stock), Message: "must not be negative"}
	}
	if _, ok := inv.Products[c.SKU]; ok {
		return &core.ValidationError{Field: "SKU", Value: c.SKU, Message: "already exists"}
	}
	return nil
}

func (c *AddProduct) Apply(inv *Inventory) (any, error) {
	if _, ok := inv.Products[c.SKU]; ok {
		return nil, core.Abort("duplicate SKU " + c.SKU)
	}
	inv.Products[c.SKU] = &Product{SKU: c.SKU, Name: c.Name, Stock: c.Stock}
	return c.SKU, nil
}

func (c *AddProduct) NoPartialWrites() bool { return true }

// AdjustStock changes the stock of a SKU by Delta. Stock never goes negative.
type AdjustStock struct {
	SKU   string
	Delta int
}

func (c *AdjustStock) CommandName() string { return "inventory.AdjustStock" }

func (c *AdjustStock) Prepare(context.Context, *Inventory) error {
	c.SKU = strings.ToUpper(strings.TrimSpace(c.SKU))
	if c.Delta == 0 {
		return &core.ValidationError{Field: "Delta", Value: strconv.Itoa(c.Delta), Message: "must not be zero"}
	}
	return nil
}

func (c *AdjustStock) Apply(inv *Inventory) (any, error) {
	p, ok := inv.Products[c.SKU]
	if !ok {
		return nil, core.Abort("unknown SKU " + c.SKU)
	}
	if p.Stock+c.Delta < 0 {
		return nil, core.Abort("insufficient stock for " + c.SKU)
	}
	p.Stock += c.Delta
	return p.Stock, nil
}

func (c *AdjustStock) NoPartialWrites() bool { return true }

func registerInventoryCommands(r *codec.Registry) {
	r.MustRegister(&AddProduct{}, &AdjustStock{})
}

// seedInventory is loaded into an empty primary when -seed is set.
var seedInventory = []AddProduct{
	{SKU: "BOLT-M6", Name: "Hex bolt M6", Stock: 500},
	{SKU: "NUT-M6", Name: "Hex nut M6", Stock: 750},
	{SKU: "WASHER-6", Name: "Flat washer 6mm", Stock: 1000},
}
