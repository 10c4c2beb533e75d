// Package netio provides the BIER packet transport: the UDP socket the
// daemon exchanges encapsulated packets over, and the local unix datagram
// link to the upper-layer application.
package netio
