// Package ir defines the data model shared by every component: content
// identifiers, canonical JSON, resources, intents, constraints and effect
// nodes.
//
// All persisted objects are addressed by ContentID, the domain-separated
// SHA-256 of their RFC 8785 canonical encoding. MarshalCanonical is the only
// serializer that may feed an identifier.
package ir
