// Package dnschallenge fulfils DNS-01 challenge requests on behalf of
// nodes. Nodes own their private keys and run the ACME order themselves;
// only the DNS provider credentials stay on the relay, which publishes
// and removes the TXT records nodes ask for.
//
// A node may only request challenges for the domain it was assigned: the
// hostname's first label must match the node's short identity.
//
// @req RQ-0601 delegated DNS-01 fulfilment
// @design DS-0601 provider abstraction with create-or-replace records
package dnschallenge
