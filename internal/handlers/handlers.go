// Package handlers adapts each bridge command to wallet backend commands.
// Handlers receive validated, typed params and return the peer-facing
// result shape.
package handlers

import (
	"context"
	"fmt"

	"github.com/basket/walletbridge/internal/commands"
	"github.com/basket/walletbridge/internal/wallet"
)

// Backend is the wallet daemon.
type Backend interface {
	Call(ctx context.Context, command string, req, resp any) error
	ActiveKey(ctx context.Context) (wallet.Key, bool, error)
}

// Gate guards sensitive operations.
type Gate interface {
	CheckOrPrompt(ctx context.Context, reason string) error
}

// Set is the full handler set.
type Set struct {
	backend Backend
	gate    Gate
}

// New returns a handler set over backend, guarding sensitive handlers with gate.
func New(backend Backend, gate Gate) *Set {
	return &Set{backend: backend, gate: gate}
}

// Handlers returns one handler per registered command.
func (s *Set) Handlers() map[string]commands.Handler {
	return map[string]commands.Handler{
		commands.MethodChainID:              s.chainID,
		commands.MethodConnect:              s.connect,
		commands.MethodGetPublicKeys:        s.getPublicKeys,
		commands.MethodFilterUnlockedCoins:  s.filterUnlockedCoins,
		commands.MethodGetAssetCoins:        s.getAssetCoins,
		commands.MethodGetAssetBalance:      s.getAssetBalance,
		commands.MethodSignCoinSpends:       s.guarded(s.signCoinSpends),
		commands.MethodSignMessage:          s.guarded(s.signMessage),
		commands.MethodSendTransaction:      s.guarded(s.sendTransaction),
		commands.MethodCreateOffer:          s.guarded(s.createOffer),
		commands.MethodTakeOffer:            s.guarded(s.takeOffer),
		commands.MethodCancelOffer:          s.guarded(s.cancelOffer),
		commands.MethodGetNfts:              s.getNfts,
		commands.MethodSend:                 s.guarded(s.send),
		commands.MethodBulkMintNfts:         s.guarded(s.bulkMintNfts),
		commands.MethodGetAddress:           s.getAddress,
		commands.MethodSignMessageByAddress: s.guarded(s.signMessageByAddress),
	}
}

// Bind attaches the set to reg.
func Bind(reg *commands.Registry, s *Set) (*commands.Registry, error) {
	return reg.Bind(s.Handlers())
}

func (s *Set) guarded(h commands.Handler) commands.Handler {
	return func(ctx context.Context, call commands.Call) (any, error) {
		if err := s.gate.CheckOrPrompt(ctx, call.Method); err != nil {
			return nil, err
		}
		return h(ctx, call)
	}
}

func params[T any](call commands.Call) (*T, error) {
	p, ok := call.Params.(*T)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected params type %T", call.Method, call.Params)
	}
	return p, nil
}
