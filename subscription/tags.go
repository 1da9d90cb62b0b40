package subscription

import "github.com/bchhub/hub/wire"

// Service ids each subscription service's notifications (and the Subscribe/
// Unsubscribe commands a Parser registered against the same id would
// route to) travel under.
const (
	addressMonitorServiceId    int32 = 2
	transactionMonitorServiceId int32 = 3
	blockNotificationServiceId int32 = 4
	doubleSpendServiceId       int32 = 5
)

// Message ids, scoped within their own service id.
const (
	transactionFoundMessageId int32 = 1

	newBlockOnChainMessageId int32 = 1
	blocksRemovedMessageId   int32 = 2

	newDoubleSpendMessageId int32 = 1
)

// Wire tags, one shared sequence across every notification kind this
// package emits so a tag value is never reused for two different fields.
const (
	tagAddress wire.Tag = iota + 20
	tagTxId
	tagAmount
	tagConfirmationCount
	tagBlockHeight
	tagOffsetInBlock
	tagBlockHash
	tagDuplicateTx
	tagProof
)
