package config

import "sort"

// ChainFamily groups chains that share an escrow implementation.
type ChainFamily string

const (
	FamilyEVM  ChainFamily = "evm"
	FamilyMove ChainFamily = "move"
)

// Chain describes a chain id the relay knows about.
type Chain struct {
	ID     uint64
	Name   string
	Family ChainFamily
}

// chainRegistry maps chainID -> chain. 8453 is the id orders use for the
// Move chain.
var chainRegistry = map[uint64]Chain{
	1:        {ID: 1, Name: "Ethereum", Family: FamilyEVM},
	11155111: {ID: 11155111, Name: "Sepolia", Family: FamilyEVM},
	8453:     {ID: 8453, Name: "Aptos", Family: FamilyMove},
}

// GetChain returns a registered chain.
func GetChain(id uint64) (Chain, bool) {
	c, ok := chainRegistry[id]
	return c, ok
}

// ChainIDs returns the registered ids of family, ascending.
func ChainIDs(family ChainFamily) []uint64 {
	var ids []uint64
	for id, c := range chainRegistry {
		if c.Family == family {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RegisterChain registers or replaces a chain.
func RegisterChain(c Chain) {
	chainRegistry[c.ID] = c
}
