// Package turnserver runs a TURN relay next to the signaling server so peers
// behind symmetric NATs can still reach each other.
package turnserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/pion/turn/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type Config struct {
	PublicIP string
	// ListenAddress defaults to 0.0.0.0.
	ListenAddress string
	Port          int
	Realm         string
	Username      string
	Password      string
}

type Server struct {
	cfg    Config
	server *turn.Server
	port   int
}

// Start listens on UDP and relays for the single configured user.
func Start(ctx context.Context, cfg Config) (*Server, error) {
	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		return nil, fmt.Errorf("turn public ip %q is not an ip address", cfg.PublicIP)
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("turn username and password are required")
	}
	listen := cfg.ListenAddress
	if listen == "" {
		listen = "0.0.0.0"
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort(listen, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("listen for turn: %w", err)
	}

	key := turn.GenerateAuthKey(cfg.Username, cfg.Realm, cfg.Password)
	log := zerolog.Ctx(ctx).With().Str("component", "turn").Logger()
	server, err := turn.NewServer(turn.ServerConfig{
		Realm: cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			if username != cfg.Username {
				log.Warn().Str("username", username).Str("src", srcAddr.String()).Msg("rejected turn allocation")
				return nil, false
			}
			return key, true
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: conn,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      listen,
				},
			},
		},
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	port := conn.LocalAddr().(*net.UDPAddr).Port
	log.Info().Str("public_ip", cfg.PublicIP).Int("port", port).Str("realm", cfg.Realm).Msg("turn server started")
	return &Server{cfg: cfg, server: server, port: port}, nil
}

func (s *Server) Port() int {
	return s.port
}

// ICEServer is the entry clients add to their ICE configuration.
func (s *Server) ICEServer() webrtc.ICEServer {
	return webrtc.ICEServer{
		URLs:           []string{fmt.Sprintf("turn:%s:%d?transport=udp", s.cfg.PublicIP, s.port)},
		Username:       s.cfg.Username,
		Credential:     s.cfg.Password,
		CredentialType: webrtc.ICECredentialTypePassword,
	}
}

func (s *Server) Close() error {
	return s.server.Close()
}
