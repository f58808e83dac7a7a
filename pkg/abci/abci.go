package abci

// RequestPrepareProposal asks the application for the next block's txs
type RequestPrepareProposal struct{ Height, MaxTxBytes int64 }
type ResponsePrepareProposal struct{ Txs [][]byte }

type RequestProcessProposal struct {
	Height int64
	Txs    [][]byte
}
type ResponseProcessProposal struct{ Accept bool }

type RequestFinalizeBlock struct {
	Height    int64
	Timestamp int64 // Unix timestamp in seconds
	Txs       [][]byte
}

// TxResult reports one tx of a finalized block. Code 0 is success; any other
// code names the error class that reverted the tx.
type TxResult struct {
	Code uint32
	Log  string
}

type ResponseFinalizeBlock struct {
	TxResults []TxResult
	AppHash   [32]byte // hash of application state after execution
}

// Application is the block-execution interface a producer drives
type Application interface {
	PrepareProposal(RequestPrepareProposal) ResponsePrepareProposal
	ProcessProposal(RequestProcessProposal) ResponseProcessProposal
	FinalizeBlock(RequestFinalizeBlock) ResponseFinalizeBlock
}
