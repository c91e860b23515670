package handlers

import (
	"context"

	"github.com/basket/walletbridge/internal/commands"
	"github.com/basket/walletbridge/internal/wallet"
)

func (s *Set) chainID(ctx context.Context, call commands.Call) (any, error) {
	key, ok, err := s.backend.ActiveKey(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &wallet.BackendError{Command: wallet.CmdGetKey, Message: "no active wallet"}
	}
	return key.Network, nil
}

func (s *Set) connect(ctx context.Context, call commands.Call) (any, error) {
	return true, nil
}

func (s *Set) getPublicKeys(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.GetPublicKeysParams](call)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Derivations []struct {
			PublicKey string `json:"public_key"`
		} `json:"derivations"`
	}
	req := map[string]any{"offset": p.Offset, "limit": p.Limit, "hardened": false}
	if err := s.backend.Call(ctx, wallet.CmdGetDerivations, req, &resp); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(resp.Derivations))
	for _, d := range resp.Derivations {
		keys = append(keys, d.PublicKey)
	}
	return keys, nil
}

func (s *Set) filterUnlockedCoins(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.FilterUnlockedCoinsParams](call)
	if err != nil {
		return nil, err
	}
	var resp struct {
		CoinIDs []string `json:"coin_ids"`
	}
	if err := s.backend.Call(ctx, wallet.CmdFilterUnlockedCoins, map[string]any{"coin_ids": p.CoinNames}, &resp); err != nil {
		return nil, err
	}
	if resp.CoinIDs == nil {
		resp.CoinIDs = []string{}
	}
	return resp.CoinIDs, nil
}

func (s *Set) getAssetCoins(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.GetAssetCoinsParams](call)
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"type":            p.Type,
		"asset_id":        p.AssetID,
		"included_locked": p.IncludedLocked,
		"offset":          p.Offset,
		"limit":           p.Limit,
	}
	var resp struct {
		Coins []struct {
			Coin                commands.Coin `json:"coin"`
			CoinName            string        `json:"coin_id"`
			Puzzle              string        `json:"puzzle"`
			ConfirmedBlockIndex uint32        `json:"confirmed_block_index"`
			Locked              bool          `json:"locked"`
			LineageProof        any           `json:"lineage_proof"`
		} `json:"coins"`
	}
	if err := s.backend.Call(ctx, wallet.CmdGetAssetCoins, req, &resp); err != nil {
		return nil, err
	}
	out := make([]commands.SpendableCoin, 0, len(resp.Coins))
	for _, c := range resp.Coins {
		out = append(out, commands.SpendableCoin{
			Coin:              c.Coin,
			CoinName:          c.CoinName,
			Puzzle:            c.Puzzle,
			ConfirmedBlockIdx: c.ConfirmedBlockIndex,
			Locked:            c.Locked,
			LineageProof:      c.LineageProof,
		})
	}
	return out, nil
}

func (s *Set) getAssetBalance(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.GetAssetBalanceParams](call)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Confirmed          commands.Amount `json:"confirmed"`
		Spendable          commands.Amount `json:"spendable"`
		SpendableCoinCount int             `json:"spendable_coin_count"`
	}
	if err := s.backend.Call(ctx, wallet.CmdGetAssetBalance, map[string]any{"type": p.Type, "asset_id": p.AssetID}, &resp); err != nil {
		return nil, err
	}
	return commands.AssetBalance{
		Confirmed:          resp.Confirmed.OrZero(),
		Spendable:          resp.Spendable.OrZero(),
		SpendableCoinCount: resp.SpendableCoinCount,
	}, nil
}

func (s *Set) getNfts(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.GetNftsParams](call)
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"collection_id":  p.CollectionID,
		"offset":         p.Offset,
		"limit":          p.Limit,
		"sort_mode":      "name",
		"include_hidden": false,
	}
	var resp struct {
		Nfts []struct {
			LauncherID     string   `json:"launcher_id"`
			CollectionID   *string  `json:"collection_id"`
			Name           *string  `json:"name"`
			DataURIs       []string `json:"data_uris"`
			MetadataURIs   []string `json:"metadata_uris"`
			EditionNumber  *int     `json:"edition_number"`
			EditionTotal   *int     `json:"edition_total"`
			RoyaltyAddress *string  `json:"royalty_address"`
		} `json:"nfts"`
	}
	if err := s.backend.Call(ctx, wallet.CmdGetNfts, req, &resp); err != nil {
		return nil, err
	}
	out := commands.GetNftsResult{Nfts: make([]commands.NftRecord, 0, len(resp.Nfts))}
	for _, n := range resp.Nfts {
		out.Nfts = append(out.Nfts, commands.NftRecord{
			LauncherID:     n.LauncherID,
			CollectionID:   n.CollectionID,
			Name:           n.Name,
			DataURIs:       n.DataURIs,
			MetadataURIs:   n.MetadataURIs,
			EditionNumber:  n.EditionNumber,
			EditionTotal:   n.EditionTotal,
			RoyaltyAddress: n.RoyaltyAddress,
		})
	}
	return out, nil
}

func (s *Set) getAddress(ctx context.Context, call commands.Call) (any, error) {
	var resp struct {
		ReceiveAddress string `json:"receive_address"`
	}
	if err := s.backend.Call(ctx, wallet.CmdGetSyncStatus, nil, &resp); err != nil {
		return nil, err
	}
	return commands.GetAddressResult{Address: resp.ReceiveAddress}, nil
}
