package testutil

import (
	"context"
	"errors"
	"strings"

	"github.com/INLOpen/livedb/codec"
	"github.com/INLOpen/livedb/core"
)

// Customer is a row of the shared test model.
type Customer struct {
	ID   int
	Name string
}

// CustomerModel is a small model used by engine, replication and query tests.
type CustomerModel struct {
	Customers []*Customer
	NextID    int
}

// NewCustomerModel returns an empty model.
func NewCustomerModel() *CustomerModel {
	return &CustomerModel{}
}

// Clone returns a deep copy.
func (m *CustomerModel) Clone() *CustomerModel {
	c := &CustomerModel{NextID: m.NextID, Customers: make([]*Customer, len(m.Customers))}
	for i, cu := range m.Customers {
		cp := *cu
		c.Customers[i] = &cp
	}
	return c
}

// Names returns customer names in insertion order.
func (m *CustomerModel) Names() []string {
	names := make([]string, len(m.Customers))
	for i, c := range m.Customers {
		names[i] = c.Name
	}
	return names
}

func (m *CustomerModel) find(name string) int {
	for i, c := range m.Customers {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (m *CustomerModel) add(name string) *Customer {
	m.NextID++
	c := &Customer{ID: m.NextID, Name: name}
	m.Customers = append(m.Customers, c)
	return c
}

// AddCustomer appends a customer. Prepare rejects empty and duplicate names.
type AddCustomer struct {
	Name string
}

func (c *AddCustomer) CommandName() string { return "customers.Add" }

func (c *AddCustomer) Prepare(_ context.Context, m *CustomerModel) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return &core.ValidationError{Field: "Name", Value: c.Name, Message: "must not be empty"}
	}
	if m.find(c.Name) >= 0 {
		return &core.ValidationError{Field: "Name", Value: c.Name, Message: "already exists"}
	}
	return nil
}

func (c *AddCustomer) Apply(m *CustomerModel) (any, error) {
	// A concurrent command may have added the same name after Prepare.
	if m.find(c.Name) >= 0 {
		return nil, core.Abort("duplicate customer " + c.Name)
	}
	return m.add(c.Name).ID, nil
}

func (c *AddCustomer) NoPartialWrites() bool { return true }

// AddCustomers appends a batch of customers in one command.
type AddCustomers struct {
	Names []string
}

func (c *AddCustomers) CommandName() string { return "customers.AddBatch" }

func (c *AddCustomers) Prepare(context.Context, *CustomerModel) error {
	if len(c.Names) == 0 {
		return &core.ValidationError{Field: "Names", Message: "must not be empty"}
	}
	return nil
}

func (c *AddCustomers) Apply(m *CustomerModel) (any, error) {
	for _, n := range c.Names {
		m.add(n)
	}
	return len(m.Customers), nil
}

// RemoveCustomer deletes a customer by name and aborts when it is missing.
type RemoveCustomer struct {
	Name string
}

func (c *RemoveCustomer) CommandName() string { return "customers.Remove" }

func (c *RemoveCustomer) Prepare(context.Context, *CustomerModel) error { return nil }

func (c *RemoveCustomer) Apply(m *CustomerModel) (any, error) {
	i := m.find(c.Name)
	if i < 0 {
		return nil, core.Abort("no customer named " + c.Name)
	}
	m.Customers = append(m.Customers[:i], m.Customers[i+1:]...)
	return nil, nil
}

// RejectCustomer always aborts from Apply before touching the model.
type RejectCustomer struct {
	Name string
}

func (c *RejectCustomer) CommandName() string { return "customers.Reject" }

func (c *RejectCustomer) Prepare(context.Context, *CustomerModel) error { return nil }

func (c *RejectCustomer) Apply(*CustomerModel) (any, error) {
	return nil, core.Abort("customer " + c.Name + " rejected")
}

// ErrBrokenCommand is returned by BrokenCommand.
var ErrBrokenCommand = errors.New("broken command")

// BrokenCommand fails from Apply. With PartialWrite it adds a customer first.
type BrokenCommand struct {
	PartialWrite bool
	Panic        bool
}

func (c *BrokenCommand) CommandName() string { return "customers.Broken" }

func (c *BrokenCommand) Prepare(context.Context, *CustomerModel) error { return nil }

func (c *BrokenCommand) Apply(m *CustomerModel) (any, error) {
	if c.PartialWrite {
		m.add("partial")
	}
	if c.Panic {
		panic("broken command")
	}
	return nil, ErrBrokenCommand
}

func (c *BrokenCommand) NoPartialWrites() bool { return !c.PartialWrite }

// CustomerNames returns all names in insertion order.
func CustomerNames() core.Query[*CustomerModel] {
	return core.QueryFunc[*CustomerModel](func(_ context.Context, m *CustomerModel) (any, error) {
		return m.Names(), nil
	})
}

// CustomerCount returns the number of customers.
func CustomerCount() core.Query[*CustomerModel] {
	return core.QueryFunc[*CustomerModel](func(_ context.Context, m *CustomerModel) (any, error) {
		return len(m.Customers), nil
	})
}

// ModelReference hands out the live model and therefore may not go through
// the engine.
type ModelReference struct{}

func (ModelReference) NoProxy() {}

func (ModelReference) Execute(_ context.Context, m *CustomerModel) (any, error) {
	return m, nil
}

// LeakyCommand is a command the engine must refuse to dispatch.
type LeakyCommand struct{}

func (*LeakyCommand) NoProxy() {}

func (*LeakyCommand) Prepare(context.Context, *CustomerModel) error { return nil }

func (*LeakyCommand) Apply(m *CustomerModel) (any, error) {
	m.add("leaked")
	return m, nil
}

// RegisterCustomerCommands registers every journaled command of the model.
func RegisterCustomerCommands(r *codec.Registry) {
	r.MustRegister(&AddCustomer{}, &AddCustomers{}, &RemoveCustomer{}, &RejectCustomer{}, &BrokenCommand{})
}
