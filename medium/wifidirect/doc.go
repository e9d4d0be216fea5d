// Package wifidirect implements the Wi-Fi Direct radio as a NetworkManager
// hotspot.
//
// Advertising brings up a WPA-PSK access point with a generated SSID and
// passphrase; accepting listens for TCP on the group owner's address.
// Discovery is not a Wi-Fi Direct operation here: the group owner hands
// its Credentials to the peer over an already established channel and the
// peer passes them to Connect in ServiceInfo.Data. Connect joins the group
// and dials the owner.
package wifidirect
