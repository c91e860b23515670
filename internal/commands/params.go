package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Amount is a mojo quantity. Peers send either a JSON integer or a string of
// decimal digits; both decode to the digit string. Numbers written with a
// fraction or exponent (1e3, 2.5e1) are accepted when their value is integral
// and are rewritten as plain digits.
type Amount string

// maxAmountExponent bounds the exponent of a numeric amount. A u128 has 39
// digits, so anything past this is not a mojo value.
const maxAmountExponent = 64

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	digits, err := normalizeAmount(n.String())
	if err != nil {
		return err
	}
	*a = Amount(digits)
	return nil
}

func normalizeAmount(num string) (string, error) {
	if !strings.ContainsAny(num, ".eE") {
		return num, nil
	}
	if i := strings.IndexAny(num, "eE"); i >= 0 {
		exp, err := strconv.Atoi(num[i+1:])
		if err != nil || exp > maxAmountExponent || exp < -maxAmountExponent {
			return "", fmt.Errorf("amount: exponent out of range in %s", num)
		}
	}
	r, ok := new(big.Rat).SetString(num)
	if !ok {
		return "", fmt.Errorf("amount: invalid number %s", num)
	}
	if !r.IsInt() {
		return "", fmt.Errorf("amount: %s is not an integer", num)
	}
	return r.Num().String(), nil
}

// OrZero returns the amount, or "0" when it was omitted.
func (a Amount) OrZero() string {
	if a == "" {
		return "0"
	}
	return string(a)
}

// defaulter is implemented by params that fill in omitted optional fields.
type defaulter interface {
	applyDefaults()
}

type ChainIDParams struct{}

type ConnectParams struct {
	Eager bool `json:"eager"`
}

type GetPublicKeysParams struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (p *GetPublicKeysParams) applyDefaults() {
	if p.Limit == 0 {
		p.Limit = 10
	}
}

type FilterUnlockedCoinsParams struct {
	CoinNames []string `json:"coinNames"`
}

type GetAssetCoinsParams struct {
	Type           *string `json:"type"`
	AssetID        *string `json:"assetId"`
	IncludedLocked bool    `json:"includedLocked"`
	Offset         int     `json:"offset"`
	Limit          int     `json:"limit"`
}

func (p *GetAssetCoinsParams) applyDefaults() {
	if p.Limit == 0 {
		p.Limit = 10
	}
}

type GetAssetBalanceParams struct {
	Type    *string `json:"type"`
	AssetID *string `json:"assetId"`
}

type Coin struct {
	ParentCoinInfo string `json:"parent_coin_info"`
	PuzzleHash     string `json:"puzzle_hash"`
	Amount         Amount `json:"amount"`
}

type CoinSpend struct {
	Coin         Coin   `json:"coin"`
	PuzzleReveal string `json:"puzzle_reveal"`
	Solution     string `json:"solution"`
}

type SignCoinSpendsParams struct {
	CoinSpends  []CoinSpend `json:"coinSpends"`
	PartialSign bool        `json:"partialSign"`
	AutoSubmit  bool        `json:"autoSubmit"`
}

type SignMessageParams struct {
	Message   string `json:"message"`
	PublicKey string `json:"publicKey"`
}

type SpendBundle struct {
	CoinSpends          []CoinSpend `json:"coin_spends"`
	AggregatedSignature string      `json:"aggregated_signature"`
}

type SendTransactionParams struct {
	SpendBundle SpendBundle `json:"spendBundle"`
}

type OfferAsset struct {
	AssetID string `json:"assetId"`
	Amount  Amount `json:"amount"`
}

type CreateOfferParams struct {
	OfferAssets   []OfferAsset `json:"offerAssets"`
	RequestAssets []OfferAsset `json:"requestAssets"`
	Fee           Amount       `json:"fee"`
}

type TakeOfferParams struct {
	Offer string `json:"offer"`
	Fee   Amount `json:"fee"`
}

type CancelOfferParams struct {
	ID  string `json:"id"`
	Fee Amount `json:"fee"`
}

type GetNftsParams struct {
	CollectionID *string `json:"collectionId"`
	Limit        int     `json:"limit"`
	Offset       int     `json:"offset"`
}

func (p *GetNftsParams) applyDefaults() {
	if p.Limit == 0 {
		p.Limit = 10
	}
}

type SendParams struct {
	AssetID *string  `json:"assetId"`
	Address string   `json:"address"`
	Amount  Amount   `json:"amount"`
	Fee     Amount   `json:"fee"`
	Memos   []string `json:"memos"`
}

type NftMint struct {
	Address               *string  `json:"address"`
	RoyaltyAddress        *string  `json:"royaltyAddress"`
	RoyaltyTenThousandths int      `json:"royaltyTenThousandths"`
	DataURIs              []string `json:"dataUris"`
	DataHash              *string  `json:"dataHash"`
	MetadataURIs          []string `json:"metadataUris"`
	MetadataHash          *string  `json:"metadataHash"`
	LicenseURIs           []string `json:"licenseUris"`
	LicenseHash           *string  `json:"licenseHash"`
	EditionNumber         *int     `json:"editionNumber"`
	EditionTotal          *int     `json:"editionTotal"`
}

type BulkMintNftsParams struct {
	DID  string    `json:"did"`
	Nfts []NftMint `json:"nfts"`
	Fee  Amount    `json:"fee"`
}

type GetAddressParams struct{}

type SignMessageByAddressParams struct {
	Message string `json:"message"`
	Address string `json:"address"`
}

// Results.

type SpendableCoin struct {
	Coin              Coin   `json:"coin"`
	CoinName          string `json:"coinName"`
	Puzzle            string `json:"puzzle"`
	ConfirmedBlockIdx uint32 `json:"confirmedBlockIndex"`
	Locked            bool   `json:"locked"`
	LineageProof      any    `json:"lineageProof"`
}

type AssetBalance struct {
	Confirmed          string `json:"confirmed"`
	Spendable          string `json:"spendable"`
	SpendableCoinCount int    `json:"spendableCoinCount"`
}

type SendTransactionResult struct {
	Status int     `json:"status"`
	Error  *string `json:"error"`
}

type CreateOfferResult struct {
	Offer string `json:"offer"`
	ID    string `json:"id"`
}

type TakeOfferResult struct {
	ID string `json:"id"`
}

type NftRecord struct {
	LauncherID     string   `json:"launcherId"`
	CollectionID   *string  `json:"collectionId"`
	Name           *string  `json:"name"`
	DataURIs       []string `json:"dataUris"`
	MetadataURIs   []string `json:"metadataUris"`
	EditionNumber  *int     `json:"editionNumber"`
	EditionTotal   *int     `json:"editionTotal"`
	RoyaltyAddress *string  `json:"royaltyAddress"`
}

type GetNftsResult struct {
	Nfts []NftRecord `json:"nfts"`
}

type BulkMintNftsResult struct {
	NftIDs []string `json:"nftIds"`
}

type GetAddressResult struct {
	Address string `json:"address"`
}

type SignMessageByAddressResult struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// Empty is the `{}` result of commands with nothing to report.
type Empty struct{}
