// Package verification issues and validates the one-time codes that prove
// control of an email address before a newsletter subscription is activated.
//
// The issuer owns every timing rule of the protocol: code length, time to
// live, resend cooldown and the failed-attempt cap. Callers only delegate.
// Persistence goes through the Store interface in store.go; PostgreSQL and
// Redis implementations live under internal/repository.
package verification
