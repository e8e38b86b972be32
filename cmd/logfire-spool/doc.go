// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// logfire-spool inspects and drains the durable retry spool that the
// exporter uses for payloads it could not deliver.
//
//	logfire-spool status --spool-dir /var/spool/logfire
//	logfire-spool flush --spool-dir /var/spool/logfire --timeout 1m
//
// status works while an exporter owns the spool. flush takes ownership
// of the directory and so refuses to run while a live process holds
// it; it delivers to the endpoint from the configuration (--config, or
// LOGFIRE_CONFIG, plus the LOGFIRE_* environment variables) and exits
// non-zero if payloads remain.
package main
