// Package storage persists what the notifier learns while running.
//
// It records:
//   - contacts: chats that messaged the bot and were told their chat id
//   - deliveries: one row per notifier delivery attempt
//   - dedup windows, so suppression survives a restart
package storage
