package commands

// Wire method names.
const (
	MethodChainID              = "chip0002_chainId"
	MethodConnect              = "chip0002_connect"
	MethodGetPublicKeys        = "chip0002_getPublicKeys"
	MethodFilterUnlockedCoins  = "chip0002_filterUnlockedCoins"
	MethodGetAssetCoins        = "chip0002_getAssetCoins"
	MethodGetAssetBalance      = "chip0002_getAssetBalance"
	MethodSignCoinSpends       = "chip0002_signCoinSpends"
	MethodSignMessage          = "chip0002_signMessage"
	MethodSendTransaction      = "chip0002_sendTransaction"
	MethodCreateOffer          = "chia_createOffer"
	MethodTakeOffer            = "chia_takeOffer"
	MethodCancelOffer          = "chia_cancelOffer"
	MethodGetNfts              = "chia_getNfts"
	MethodSend                 = "chia_send"
	MethodBulkMintNfts         = "chia_bulkMintNfts"
	MethodGetAddress           = "chia_getAddress"
	MethodSignMessageByAddress = "chia_signMessageByAddress"
)

// Namespace is the peer protocol namespace key the bridge serves.
const Namespace = "chia"

// Chains served by a wallet, keyed by its network kind.
const (
	ChainMainnet = "chia:mainnet"
	ChainTestnet = "chia:testnet"
)

// ChainForNetwork maps a backend network id to the chain it serves.
func ChainForNetwork(network string) string {
	if network == "mainnet" {
		return ChainMainnet
	}
	return ChainTestnet
}

const (
	amountDef = `{"type": ["integer", "string"], "minimum": 0, "pattern": "^[0-9]+$"}`

	coinSpendDef = `{
		"type": "object",
		"required": ["coin", "puzzle_reveal", "solution"],
		"properties": {
			"coin": {
				"type": "object",
				"required": ["parent_coin_info", "puzzle_hash", "amount"],
				"properties": {
					"parent_coin_info": {"type": "string"},
					"puzzle_hash": {"type": "string"},
					"amount": {"$ref": "#/$defs/amount"}
				}
			},
			"puzzle_reveal": {"type": "string"},
			"solution": {"type": "string"}
		}
	}`

	assetTypeDef = `{"enum": ["cat", "did", "nft", null]}`

	offerAssetDef = `{
		"type": "object",
		"required": ["assetId", "amount"],
		"properties": {"assetId": {"type": "string"}, "amount": {"$ref": "#/$defs/amount"}}
	}`

	emptyObject = `{"type": "object"}`
)

func schema(defs bool, body string) string {
	if !defs {
		return body
	}
	return `{"$defs": {"amount": ` + amountDef + `, "coinSpend": ` + coinSpendDef + `, "assetType": ` + assetTypeDef + `, "asset": ` + offerAssetDef + `}, "allOf": [` + body + `]}`
}

// DefaultSpecs returns the full command surface. The confirmation flag on
// each entry is the only source the dispatcher consults.
func DefaultSpecs() []CommandSpec {
	return []CommandSpec{
		{
			Name:         MethodChainID,
			ParamsSchema: emptyObject,
			ReturnSchema: `{"type": "string"}`,
			newParams:    func() any { return &ChainIDParams{} },
		},
		{
			Name:         MethodConnect,
			ParamsSchema: `{"type": "object", "properties": {"eager": {"type": "boolean"}}}`,
			ReturnSchema: `{"const": true}`,
			newParams:    func() any { return &ConnectParams{} },
		},
		{
			Name: MethodGetPublicKeys,
			ParamsSchema: `{"type": "object", "properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 1000},
				"offset": {"type": "integer", "minimum": 0}
			}}`,
			ReturnSchema: `{"type": "array", "items": {"type": "string"}}`,
			newParams:    func() any { return &GetPublicKeysParams{} },
		},
		{
			Name: MethodFilterUnlockedCoins,
			ParamsSchema: `{"type": "object", "required": ["coinNames"], "properties": {
				"coinNames": {"type": "array", "minItems": 1, "items": {"type": "string"}}
			}}`,
			ReturnSchema: `{"type": "array", "items": {"type": "string"}}`,
			newParams:    func() any { return &FilterUnlockedCoinsParams{} },
		},
		{
			Name: MethodGetAssetCoins,
			ParamsSchema: schema(true, `{"type": "object", "required": ["type", "assetId"], "properties": {
				"type": {"$ref": "#/$defs/assetType"},
				"assetId": {"type": ["string", "null"]},
				"includedLocked": {"type": "boolean"},
				"offset": {"type": "integer", "minimum": 0},
				"limit": {"type": "integer", "minimum": 1}
			}}`),
			ReturnSchema: `{"type": "array", "items": {"type": "object"}}`,
			newParams:    func() any { return &GetAssetCoinsParams{} },
		},
		{
			Name: MethodGetAssetBalance,
			ParamsSchema: schema(true, `{"type": "object", "required": ["type", "assetId"], "properties": {
				"type": {"$ref": "#/$defs/assetType"},
				"assetId": {"type": ["string", "null"]}
			}}`),
			ReturnSchema: `{"type": "object", "required": ["confirmed", "spendable", "spendableCoinCount"], "properties": {
				"confirmed": {"type": "string"},
				"spendable": {"type": "string"},
				"spendableCoinCount": {"type": "integer", "minimum": 0}
			}}`,
			newParams: func() any { return &GetAssetBalanceParams{} },
		},
		{
			Name: MethodSignCoinSpends,
			ParamsSchema: schema(true, `{"type": "object", "required": ["coinSpends"], "properties": {
				"coinSpends": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/coinSpend"}},
				"partialSign": {"type": "boolean"},
				"autoSubmit": {"type": "boolean"}
			}}`),
			ReturnSchema:         `{"type": "string"}`,
			RequiresConfirmation: true,
			Sensitive:            true,
			newParams:            func() any { return &SignCoinSpendsParams{} },
		},
		{
			Name: MethodSignMessage,
			ParamsSchema: `{"type": "object", "required": ["message", "publicKey"], "properties": {
				"message": {"type": "string", "minLength": 1},
				"publicKey": {"type": "string", "minLength": 1}
			}}`,
			ReturnSchema:         `{"type": "string"}`,
			RequiresConfirmation: true,
			Sensitive:            true,
			newParams:            func() any { return &SignMessageParams{} },
		},
		{
			Name: MethodSendTransaction,
			ParamsSchema: schema(true, `{"type": "object", "required": ["spendBundle"], "properties": {
				"spendBundle": {
					"type": "object",
					"required": ["coin_spends", "aggregated_signature"],
					"properties": {
						"coin_spends": {"type": "array", "items": {"$ref": "#/$defs/coinSpend"}},
						"aggregated_signature": {"type": "string"}
					}
				}
			}}`),
			ReturnSchema: `{"type": "object", "required": ["status"], "properties": {
				"status": {"type": "integer"},
				"error": {"type": ["string", "null"]}
			}}`,
			Sensitive: true,
			newParams: func() any { return &SendTransactionParams{} },
		},
		{
			Name: MethodCreateOffer,
			ParamsSchema: schema(true, `{"type": "object", "required": ["offerAssets", "requestAssets"], "properties": {
				"offerAssets": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/asset"}},
				"requestAssets": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/asset"}},
				"fee": {"$ref": "#/$defs/amount"}
			}}`),
			ReturnSchema: `{"type": "object", "required": ["offer", "id"], "properties": {
				"offer": {"type": "string"},
				"id": {"type": "string"}
			}}`,
			RequiresConfirmation: true,
			Sensitive:            true,
			newParams:            func() any { return &CreateOfferParams{} },
		},
		{
			Name: MethodTakeOffer,
			ParamsSchema: schema(true, `{"type": "object", "required": ["offer"], "properties": {
				"offer": {"type": "string", "minLength": 1},
				"fee": {"$ref": "#/$defs/amount"}
			}}`),
			ReturnSchema:         `{"type": "object", "required": ["id"], "properties": {"id": {"type": "string"}}}`,
			RequiresConfirmation: true,
			Sensitive:            true,
			newParams:            func() any { return &TakeOfferParams{} },
		},
		{
			Name: MethodCancelOffer,
			ParamsSchema: schema(true, `{"type": "object", "required": ["id"], "properties": {
				"id": {"type": "string", "minLength": 1},
				"fee": {"$ref": "#/$defs/amount"}
			}}`),
			ReturnSchema:         emptyObject,
			RequiresConfirmation: true,
			Sensitive:            true,
			newParams:            func() any { return &CancelOfferParams{} },
		},
		{
			Name: MethodGetNfts,
			ParamsSchema: `{"type": "object", "properties": {
				"collectionId": {"type": ["string", "null"]},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100},
				"offset": {"type": "integer", "minimum": 0}
			}}`,
			ReturnSchema: `{"type": "object", "required": ["nfts"], "properties": {"nfts": {"type": "array"}}}`,
			newParams:    func() any { return &GetNftsParams{} },
		},
		{
			Name: MethodSend,
			ParamsSchema: schema(true, `{"type": "object", "required": ["address", "amount"], "properties": {
				"assetId": {"type": ["string", "null"]},
				"address": {"type": "string", "minLength": 1},
				"amount": {"$ref": "#/$defs/amount"},
				"fee": {"$ref": "#/$defs/amount"},
				"memos": {"type": "array", "items": {"type": "string"}}
			}}`),
			ReturnSchema:         emptyObject,
			RequiresConfirmation: true,
			Sensitive:            true,
			newParams:            func() any { return &SendParams{} },
		},
		{
			Name: MethodBulkMintNfts,
			ParamsSchema: schema(true, `{"type": "object", "required": ["did", "nfts"], "properties": {
				"did": {"type": "string", "minLength": 1},
				"nfts": {"type": "array", "minItems": 1, "items": {
					"type": "object",
					"properties": {
						"address": {"type": ["string", "null"]},
						"royaltyAddress": {"type": ["string", "null"]},
						"royaltyTenThousandths": {"type": "integer", "minimum": 0, "maximum": 10000},
						"dataUris": {"type": "array", "items": {"type": "string"}},
						"metadataUris": {"type": "array", "items": {"type": "string"}},
						"licenseUris": {"type": "array", "items": {"type": "string"}},
						"editionNumber": {"type": ["integer", "null"], "minimum": 1},
						"editionTotal": {"type": ["integer", "null"], "minimum": 1}
					}
				}},
				"fee": {"$ref": "#/$defs/amount"}
			}}`),
			ReturnSchema: `{"type": "object", "required": ["nftIds"], "properties": {
				"nftIds": {"type": "array", "items": {"type": "string"}}
			}}`,
			RequiresConfirmation: true,
			Sensitive:            true,
			newParams:            func() any { return &BulkMintNftsParams{} },
		},
		{
			Name:         MethodGetAddress,
			ParamsSchema: emptyObject,
			ReturnSchema: `{"type": "object", "required": ["address"], "properties": {"address": {"type": "string"}}}`,
			newParams:    func() any { return &GetAddressParams{} },
		},
		{
			Name: MethodSignMessageByAddress,
			ParamsSchema: `{"type": "object", "required": ["message", "address"], "properties": {
				"message": {"type": "string", "minLength": 1},
				"address": {"type": "string", "minLength": 1}
			}}`,
			ReturnSchema: `{"type": "object", "required": ["publicKey", "signature"], "properties": {
				"publicKey": {"type": "string"},
				"signature": {"type": "string"}
			}}`,
			RequiresConfirmation: true,
			Sensitive:            true,
			newParams:            func() any { return &SignMessageByAddressParams{} },
		},
	}
}
