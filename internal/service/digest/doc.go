// Package digest finds the active subscribers whose preferences admit a
// candidate and hands the resulting notifications to a Dispatcher.
//
// Matching streams subscriber profiles page by page and decodes each
// preference document on its own, so one malformed row is skipped and logged
// without affecting anyone else. The check-and-send cycle remembers the
// newest candidate it has notified about and only moves that watermark past
// candidates whose notifications were handed off.
package digest
