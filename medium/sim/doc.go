// Package sim provides in-memory radios that share a simulated "air".
//
// Every Radio attached to the same Air can see the others' advertisements
// and connect to their accept loops through net.Pipe sockets. Each backend
// call is appended to the Air's call log so tests can assert exactly which
// requests reached a radio.
//
// This is a SIMULATION and never touches real hardware.
package sim
