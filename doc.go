/*
Package relayq documents the relayq module.

This module is CLI-first and ships the relayq command:

	go install github.com/nuetzliches/relayq/cmd/relayq@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package relayq
