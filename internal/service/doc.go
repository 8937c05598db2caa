// Package service contains the business logic of the three relaynet services.
//
// THE THREE-LAYER ARCHITECTURE:
// Every service is organised the same way:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → validates, enforces rules, orchestrates
//	Repository (Data layer)  → reads/writes pebble or sqlite
//
// The three services in this package:
//
//	HubService        → validates, stores and gossips signed messages (hub.go)
//	PDSService        → hosts account repositories and replicates them (pds.go)
//	AggregatorService → the Gateway: merges Hubs and PDSes into feeds (aggregator.go)
//
// DEPENDENCY INJECTION:
// Services take interfaces (repository.MessageStore, HubAPI, PDSAPI, ...), NOT concrete
// types. Tests pass in-memory stores and hand-written fakes; main wires the real ones.
package service
