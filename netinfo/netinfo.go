// Package netinfo discovers the address other devices on the LAN can use to
// reach this server and renders it as a QR code.
package netinfo

import (
	"encoding/base64"
	"fmt"
	"net"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256

// Info describes how to reach the server from the local network.
type Info struct {
	LocalIP string `json:"local_ip"`
	Port    int    `json:"port"`
	URL     string `json:"url"`
	QRCode  string `json:"qr_code"`
}

// Service resolves network info for a fixed port. The dial target is only
// used for route selection; no packets are sent.
type Service struct {
	port       int
	dialTarget string
}

// New creates a Service for the given listen port.
func New(port int) *Service {
	return &Service{port: port, dialTarget: "8.8.8.8:80"}
}

// Resolve returns the LAN address, URL and QR code for the server. IP
// discovery failures fall back to the loopback address rather than erroring;
// a QR encoding failure is surfaced because it means the URL is unusable.
func (s *Service) Resolve() (Info, error) {
	ip := s.localIP()
	url := fmt.Sprintf("http://%s:%d", ip, s.port)
	qr, err := qrPNGBase64(url)
	if err != nil {
		return Info{}, fmt.Errorf("encode qr code: %w", err)
	}
	return Info{LocalIP: ip, Port: s.port, URL: url, QRCode: qr}, nil
}

// localIP finds the outbound interface address by opening a UDP "connection"
// to a public address. UDP dial does not transmit anything; it only asks the
// kernel which source address it would route from.
func (s *Service) localIP() string {
	conn, err := net.Dial("udp", s.dialTarget)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

func qrPNGBase64(url string) (string, error) {
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
