package commands

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
)

func TestDefault_HasFullSurface(t *testing.T) {
	r := Default()
	if got := len(r.Methods()); got != 17 {
		t.Fatalf("expected 17 commands, got %d", got)
	}

	confirm := map[string]bool{
		MethodSignCoinSpends:       true,
		MethodSignMessage:          true,
		MethodCreateOffer:          true,
		MethodTakeOffer:            true,
		MethodCancelOffer:          true,
		MethodSend:                 true,
		MethodBulkMintNfts:         true,
		MethodSignMessageByAddress: true,
	}
	for _, m := range r.Methods() {
		spec, err := r.Lookup(m)
		if err != nil {
			t.Fatalf("lookup %s: %v", m, err)
		}
		if spec.RequiresConfirmation != confirm[m] {
			t.Fatalf("%s: requiresConfirmation=%v, want %v", m, spec.RequiresConfirmation, confirm[m])
		}
		if r.RequiresConfirmation(m) != confirm[m] {
			t.Fatalf("%s: RequiresConfirmation disagrees with spec", m)
		}
	}
}

func TestLookup_Unknown(t *testing.T) {
	r := Default()
	if _, err := r.Lookup("chip0002_stealKeys"); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	if _, err := r.Validate("chip0002_stealKeys", nil); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand from Validate, got %v", err)
	}
	if !r.RequiresConfirmation("chip0002_stealKeys") {
		t.Fatal("unknown methods must never be treated as confirmation-free")
	}
}

func TestValidate_Rejects(t *testing.T) {
	r := Default()
	tests := []struct {
		name   string
		method string
		params string
		field  string
	}{
		{"limit not integer", MethodGetPublicKeys, `{"limit": "five"}`, "/limit"},
		{"limit too large", MethodGetPublicKeys, `{"limit": 5000}`, "/limit"},
		{"negative offset", MethodGetPublicKeys, `{"offset": -1}`, "/offset"},
		{"empty coin names", MethodFilterUnlockedCoins, `{"coinNames": []}`, "/coinNames"},
		{"missing coin names", MethodFilterUnlockedCoins, `{}`, "/coinNames"},
		{"bad asset type", MethodGetAssetBalance, `{"type": "xch", "assetId": null}`, "/type"},
		{"empty coin spends", MethodSignCoinSpends, `{"coinSpends": []}`, "/coinSpends"},
		{"coin spend missing solution", MethodSignCoinSpends, `{"coinSpends": [{"coin": {"parent_coin_info": "0x01", "puzzle_hash": "0x02", "amount": 1}, "puzzle_reveal": "ff"}]}`, "/coinSpends/0/solution"},
		{"empty message", MethodSignMessage, `{"message": "", "publicKey": "0xab"}`, "/message"},
		{"offer without request side", MethodCreateOffer, `{"offerAssets": [{"assetId": "", "amount": 1}], "requestAssets": []}`, "/requestAssets"},
		{"offer amount not digits", MethodCreateOffer, `{"offerAssets": [{"assetId": "", "amount": "1.5"}], "requestAssets": [{"assetId": "a", "amount": 2}]}`, "/offerAssets/0/amount"},
		{"negative send amount", MethodSend, `{"address": "xch1abc", "amount": -3}`, "/amount"},
		{"nft limit too large", MethodGetNfts, `{"limit": 101}`, "/limit"},
		{"mint without nfts", MethodBulkMintNfts, `{"did": "did:chia:1", "nfts": []}`, "/nfts"},
		{"params not an object", MethodGetAddress, `[1, 2]`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Validate(tc.method, json.RawMessage(tc.params))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
			}
			if ve.Method != tc.method {
				t.Fatalf("method = %q, want %q", ve.Method, tc.method)
			}
			if ve.Reason == "" {
				t.Fatal("expected a human-readable reason")
			}
			if tc.field != "" && !slices.Contains(ve.Fields, tc.field) {
				t.Fatalf("fields = %v, want to contain %q", ve.Fields, tc.field)
			}
		})
	}
}

func TestValidate_TypedParams(t *testing.T) {
	r := Default()

	got, err := r.Validate(MethodGetPublicKeys, nil)
	if err != nil {
		t.Fatalf("validate empty params: %v", err)
	}
	pk, ok := got.(*GetPublicKeysParams)
	if !ok {
		t.Fatalf("expected *GetPublicKeysParams, got %T", got)
	}
	if pk.Limit != 10 || pk.Offset != 0 {
		t.Fatalf("defaults not applied: %+v", pk)
	}

	got, err = r.Validate(MethodCreateOffer, json.RawMessage(`{
		"offerAssets": [{"assetId": "", "amount": 1000}],
		"requestAssets": [{"assetId": "a628c1c2", "amount": "25"}],
		"fee": 5
	}`))
	if err != nil {
		t.Fatalf("validate createOffer: %v", err)
	}
	offer := got.(*CreateOfferParams)
	if offer.OfferAssets[0].Amount != "1000" || offer.RequestAssets[0].Amount != "25" || offer.Fee != "5" {
		t.Fatalf("amounts not normalised: %+v", offer)
	}

	got, err = r.Validate(MethodSend, json.RawMessage(`{"address": "xch1abc", "amount": "12"}`))
	if err != nil {
		t.Fatalf("validate send: %v", err)
	}
	send := got.(*SendParams)
	if send.AssetID != nil || send.Fee.OrZero() != "0" {
		t.Fatalf("unexpected send params: %+v", send)
	}
}

func TestValidate_NullParamsIsEmptyObject(t *testing.T) {
	r := Default()
	if _, err := r.Validate(MethodChainID, json.RawMessage(`null`)); err != nil {
		t.Fatalf("null params should validate as {}: %v", err)
	}
	if _, err := r.Validate(MethodFilterUnlockedCoins, json.RawMessage(`null`)); err == nil {
		t.Fatal("null params must still satisfy required fields")
	}
}

func TestValidateResult(t *testing.T) {
	r := Default()
	if err := r.ValidateResult(MethodGetAssetBalance, AssetBalance{Confirmed: "1", Spendable: "1", SpendableCoinCount: 1}); err != nil {
		t.Fatalf("valid balance rejected: %v", err)
	}
	if err := r.ValidateResult(MethodSignMessage, map[string]any{"sig": "x"}); err == nil {
		t.Fatal("expected object result for signMessage to fail")
	}
	if err := r.ValidateResult(MethodConnect, true); err != nil {
		t.Fatalf("connect result rejected: %v", err)
	}
}

func TestNewRegistry_Errors(t *testing.T) {
	if _, err := NewRegistry([]CommandSpec{{Name: "a"}, {Name: "a"}}); err == nil {
		t.Fatal("expected duplicate spec error")
	}
	if _, err := NewRegistry([]CommandSpec{{Name: "a", ParamsSchema: `{"type": 7}`}}); err == nil {
		t.Fatal("expected schema compile error")
	}
	r, err := NewRegistry([]CommandSpec{{Name: "a"}})
	if err != nil {
		t.Fatalf("empty schemas should accept anything: %v", err)
	}
	got, err := r.Validate("a", json.RawMessage(`{"x": 1}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, ok := got.(map[string]any); !ok {
		t.Fatalf("expected generic params, got %T", got)
	}
}

func TestBind(t *testing.T) {
	base, err := NewRegistry([]CommandSpec{{Name: "a"}, {Name: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	h := func(context.Context, Call) (any, error) { return "ok", nil }

	if _, err := base.Bind(map[string]Handler{"a": h}); err == nil {
		t.Fatal("expected error for missing handler")
	}
	if _, err := base.Bind(map[string]Handler{"a": h, "b": h, "c": h}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand for stray handler, got %v", err)
	}
	bound, err := base.Bind(map[string]Handler{"a": h, "b": h})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if bound.Handler("a") == nil {
		t.Fatal("bound registry lost handler")
	}
	if base.Handler("a") != nil {
		t.Fatal("Bind must not mutate the receiver")
	}
}

func TestAmountUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
	}{
		{`123`, "123"},
		{`"456"`, "456"},
		{`null`, ""},
		{`18446744073709551615`, "18446744073709551615"},
		{`1e3`, "1000"},
		{`2.5e1`, "25"},
		{`1E+2`, "100"},
		{`7.0`, "7"},
		{`0e0`, "0"},
	}
	for _, tc := range tests {
		var a Amount
		if err := json.Unmarshal([]byte(tc.in), &a); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.in, err)
		}
		if a != tc.want {
			t.Fatalf("unmarshal %s = %q, want %q", tc.in, a, tc.want)
		}
	}
}

func TestAmountUnmarshal_RejectsFractionalAndHugeNumbers(t *testing.T) {
	for _, in := range []string{`1.5`, `1e-3`, `1e100000`, `true`} {
		var a Amount
		if err := json.Unmarshal([]byte(in), &a); err == nil {
			t.Fatalf("unmarshal %s: expected error, got %q", in, a)
		}
	}
}

func TestSendParams_ExponentAmountBecomesDigits(t *testing.T) {
	var p SendParams
	if err := json.Unmarshal([]byte(`{"address":"xch1abc","amount":1e3,"fee":5E0}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Amount != "1000" || p.Fee != "5" {
		t.Fatalf("amount=%q fee=%q, want 1000 and 5", p.Amount, p.Fee)
	}
}

func TestChainForNetwork(t *testing.T) {
	if ChainForNetwork("mainnet") != ChainMainnet {
		t.Fatal("mainnet should map to chia:mainnet")
	}
	if ChainForNetwork("testnet11") != ChainTestnet {
		t.Fatal("testnet11 should map to chia:testnet")
	}
}
