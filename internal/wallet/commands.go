package wallet

import "fmt"

// Backend command names.
const (
	CmdGetKey               = "get_key"
	CmdGetDerivations       = "get_derivations"
	CmdFilterUnlockedCoins  = "filter_unlocked_coins"
	CmdGetAssetCoins        = "get_asset_coins"
	CmdGetAssetBalance      = "get_asset_balance"
	CmdSignCoinSpends       = "sign_coin_spends"
	CmdSignMessageWithKey   = "sign_message_with_public_key"
	CmdSubmitTransaction    = "submit_transaction"
	CmdMakeOffer            = "make_offer"
	CmdTakeOffer            = "take_offer"
	CmdCancelOffer          = "cancel_offer"
	CmdGetNfts              = "get_nfts"
	CmdSendXch              = "send_xch"
	CmdSendCat              = "send_cat"
	CmdBulkMintNfts         = "bulk_mint_nfts"
	CmdGetSyncStatus        = "get_sync_status"
	CmdSignMessageByAddress = "sign_message_by_address"
)

// BackendError is a failed wallet command. Message is the daemon's own text
// and is forwarded to peers unchanged.
type BackendError struct {
	Command string
	Status  int
	Message string
}

func (e *BackendError) Error() string { return e.Message }

// Detail includes the command and status for logs.
func (e *BackendError) Detail() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Command, e.Message)
	}
	return fmt.Sprintf("%s (HTTP %d): %s", e.Command, e.Status, e.Message)
}
