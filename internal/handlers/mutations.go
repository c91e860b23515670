package handlers

import (
	"context"

	"github.com/basket/walletbridge/internal/commands"
	"github.com/basket/walletbridge/internal/wallet"
)

func (s *Set) signCoinSpends(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.SignCoinSpendsParams](call)
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"coin_spends": p.CoinSpends,
		"auto_submit": p.AutoSubmit,
		"partial":     p.PartialSign,
	}
	var resp struct {
		SpendBundle struct {
			AggregatedSignature string `json:"aggregated_signature"`
		} `json:"spend_bundle"`
	}
	if err := s.backend.Call(ctx, wallet.CmdSignCoinSpends, req, &resp); err != nil {
		return nil, err
	}
	return resp.SpendBundle.AggregatedSignature, nil
}

func (s *Set) signMessage(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.SignMessageParams](call)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Signature string `json:"signature"`
	}
	req := map[string]any{"message": p.Message, "public_key": p.PublicKey}
	if err := s.backend.Call(ctx, wallet.CmdSignMessageWithKey, req, &resp); err != nil {
		return nil, err
	}
	return resp.Signature, nil
}

func (s *Set) sendTransaction(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.SendTransactionParams](call)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Call(ctx, wallet.CmdSubmitTransaction, map[string]any{"spend_bundle": p.SpendBundle}, nil); err != nil {
		return nil, err
	}
	// Status 1 is the mempool's SUCCESS inclusion status.
	return commands.SendTransactionResult{Status: 1}, nil
}

func offerAssets(in []commands.OfferAsset) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, a := range in {
		var assetID any
		if a.AssetID != "" {
			assetID = a.AssetID
		}
		out = append(out, map[string]any{"asset_id": assetID, "amount": a.Amount.OrZero()})
	}
	return out
}

func (s *Set) createOffer(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.CreateOfferParams](call)
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"offered_assets":   offerAssets(p.OfferAssets),
		"requested_assets": offerAssets(p.RequestAssets),
		"fee":              p.Fee.OrZero(),
		"auto_import":      true,
	}
	var resp struct {
		Offer   string `json:"offer"`
		OfferID string `json:"offer_id"`
	}
	if err := s.backend.Call(ctx, wallet.CmdMakeOffer, req, &resp); err != nil {
		return nil, err
	}
	return commands.CreateOfferResult{Offer: resp.Offer, ID: resp.OfferID}, nil
}

func (s *Set) takeOffer(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.TakeOfferParams](call)
	if err != nil {
		return nil, err
	}
	req := map[string]any{"offer": p.Offer, "fee": p.Fee.OrZero(), "auto_submit": true}
	var resp struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := s.backend.Call(ctx, wallet.CmdTakeOffer, req, &resp); err != nil {
		return nil, err
	}
	return commands.TakeOfferResult{ID: resp.TransactionID}, nil
}

func (s *Set) cancelOffer(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.CancelOfferParams](call)
	if err != nil {
		return nil, err
	}
	req := map[string]any{"offer_id": p.ID, "fee": p.Fee.OrZero(), "auto_submit": true}
	if err := s.backend.Call(ctx, wallet.CmdCancelOffer, req, nil); err != nil {
		return nil, err
	}
	return commands.Empty{}, nil
}

func (s *Set) send(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.SendParams](call)
	if err != nil {
		return nil, err
	}
	memos := p.Memos
	if memos == nil {
		memos = []string{}
	}
	req := map[string]any{
		"address":     p.Address,
		"amount":      p.Amount.OrZero(),
		"fee":         p.Fee.OrZero(),
		"memos":       memos,
		"auto_submit": true,
	}
	cmd := wallet.CmdSendXch
	if p.AssetID != nil && *p.AssetID != "" {
		cmd = wallet.CmdSendCat
		req["asset_id"] = *p.AssetID
	}
	if err := s.backend.Call(ctx, cmd, req, nil); err != nil {
		return nil, err
	}
	return commands.Empty{}, nil
}

func (s *Set) bulkMintNfts(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.BulkMintNftsParams](call)
	if err != nil {
		return nil, err
	}
	mints := make([]map[string]any, 0, len(p.Nfts))
	for _, n := range p.Nfts {
		mints = append(mints, map[string]any{
			"address":                 n.Address,
			"royalty_address":         n.RoyaltyAddress,
			"royalty_ten_thousandths": n.RoyaltyTenThousandths,
			"data_uris":               orEmpty(n.DataURIs),
			"data_hash":               n.DataHash,
			"metadata_uris":           orEmpty(n.MetadataURIs),
			"metadata_hash":           n.MetadataHash,
			"license_uris":            orEmpty(n.LicenseURIs),
			"license_hash":            n.LicenseHash,
			"edition_number":          n.EditionNumber,
			"edition_total":           n.EditionTotal,
		})
	}
	req := map[string]any{
		"did_id":      p.DID,
		"mints":       mints,
		"fee":         p.Fee.OrZero(),
		"auto_submit": true,
	}
	var resp struct {
		NftIDs []string `json:"nft_ids"`
	}
	if err := s.backend.Call(ctx, wallet.CmdBulkMintNfts, req, &resp); err != nil {
		return nil, err
	}
	return commands.BulkMintNftsResult{NftIDs: orEmpty(resp.NftIDs)}, nil
}

func (s *Set) signMessageByAddress(ctx context.Context, call commands.Call) (any, error) {
	p, err := params[commands.SignMessageByAddressParams](call)
	if err != nil {
		return nil, err
	}
	var resp struct {
		PublicKey string `json:"public_key"`
		Signature string `json:"signature"`
	}
	req := map[string]any{"message": p.Message, "address": p.Address}
	if err := s.backend.Call(ctx, wallet.CmdSignMessageByAddress, req, &resp); err != nil {
		return nil, err
	}
	return commands.SignMessageByAddressResult{PublicKey: resp.PublicKey, Signature: resp.Signature}, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
