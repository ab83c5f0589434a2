// Package canbus implements the transport boundary and message dispatch
// core of cansense: the Msg/DeviceAddress data model with the 29-bit
// arbitration-id codec, the Transport interface with an in-memory SimBus
// and a Linux SocketCAN driver, and the Hub, which runs the single
// dispatch goroutine, the listener registry and the per-device
// connectivity checker.
package canbus
