// Package domain defines the core domain models for GateMesh:
// node identity, capabilities, domain registrations and the
// structured error taxonomy shared by the relay and the node.
//
// @req RQ-0101
// @design DS-0101
package domain
