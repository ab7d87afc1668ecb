// Package store persists captured exchanges, backend registration rows
// and per-backend log text in Badger.
//
// Each exchange is written as an indexed summary Record plus the two
// halves of the exchange and their raw bodies, so binary payloads round
// trip byte for byte. Reads return JSON and text/* bodies decoded and
// every other body as a reference to fetch separately (see BodyRef).
package store
