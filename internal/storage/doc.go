// Package storage keeps an optional audit trail of delivery outcomes.
//
// Two backends exist: "file" (append-only JSON Lines) and "sqlite". Neither
// is a durable queue; records are written after the fact and are only read
// back for status views.
package storage
