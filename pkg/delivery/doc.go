// Package delivery sends one broadcast payload to one recipient.
//
// Sender turns a job and a recipient into exactly one Transport call and
// guarantees the resulting error is classified as permanent, rate-limited or
// transient. Policy wraps a send with the per-recipient retry rules:
//
//   - permanent failures stop immediately
//   - rate limits wait max(retry_after, 1s) and retry without using budget
//   - transient failures retry up to MaxRetries times with linear backoff
//   - every recipient is followed by the pacing delay
//
// TelegramTransport is the telebot-backed Transport.
package delivery
