// Package audience resolves segment descriptors into recipients.
//
// Supported descriptors:
//   - all: every recipient that has not blocked the bot
//   - subscribed: recipients who joined every active channel (everyone when no
//     channel is active)
//   - not_subscribed: recipients missing at least one active channel (nobody
//     when no channel is active)
//   - source:<channelId>: recipients who arrived through that channel
//
// Directory is the GORM implementation of core.Resolver and core.Mutator.
// Its cursors page with keyset pagination on the recipient ID, so resuming
// from a stored cursor never rescans earlier recipients.
package audience
