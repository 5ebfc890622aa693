// Package discovery locates a running calibre desktop on the local
// network.
//
// The primary channel is the smart device driver's own handshake: the
// device broadcasts a bare "hello" over UDP to a fixed set of
// well-known ports and calibre answers with a free-form text line
// naming its hostname and TCP port(s). A secondary channel browses the
// _calibresmartdeviceapp._tcp mDNS service that newer calibre versions
// advertise. Both channels produce the same Reply value.
package discovery
