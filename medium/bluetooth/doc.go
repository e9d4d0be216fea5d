// Package bluetooth implements the Bluetooth Classic and BLE radios on top
// of BlueZ over the system D-Bus.
//
// The classic radio advertises by renaming the adapter and making it
// discoverable, accepts connections through a registered RFCOMM profile
// whose UUID is derived from the service id, and connects with
// Device1.ConnectProfile. Sockets are the RFCOMM file descriptors BlueZ
// hands to Profile1.NewConnection.
//
// The BLE radio only advertises and discovers. Advertisements carry a
// three byte hash of the service id in the service data of the Nearby
// UUID; connections over BLE are not provided.
//
// Discovery callbacks run on the scanner goroutine and must not stop
// discovery synchronously.
package bluetooth
