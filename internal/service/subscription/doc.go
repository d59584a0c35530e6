// Package subscription implements the newsletter subscriber lifecycle.
//
// A subscriber moves pending_verification → active → unsubscribed and may
// start a fresh pending cycle afterwards. Activation happens only after the
// emailed one-time code has been verified, and always applies the payload
// captured when the code was issued.
//
// The service layer contains pure business logic and depends on the
// Repository interface defined in repository.go. It never imports
// net/http or database/sql directly.
package subscription
