package net

import (
	"math/rand"
	"time"

	"github.com/bisq-network/bisq-sub073/src/wire"
	"github.com/sirupsen/logrus"
)

// keepAlive runs one keep-alive step on the connection. A Ping unanswered
// after timeout counts as missed; reaching maxMissed misses closes the
// connection with LivenessTimeout. Otherwise a new Ping is sent unless one is
// still pending.
func (c *Connection) keepAlive(now time.Time, timeout time.Duration, maxMissed int) {
	c.l.Lock()

	if c.state != Open {
		c.l.Unlock()
		return
	}

	if c.ping.active {
		if now.Sub(c.ping.sentAt) < timeout {
			c.l.Unlock()
			return
		}
		c.missedPings++
		c.ping.active = false
	}

	if maxMissed > 0 && c.missedPings >= maxMissed {
		missed := c.missedPings
		c.l.Unlock()

		c.logger.WithField("missed", missed).Info("Peer stopped answering pings")
		c.Close(LivenessTimeout)
		return
	}

	nonce := rand.Uint64()
	c.ping = pendingPing{nonce: nonce, sentAt: now, active: true}
	rtt := c.lastRTT

	c.l.Unlock()

	if err := c.Send(&wire.Ping{Nonce: nonce, LastRoundTripTime: rtt.Milliseconds()}); err != nil {
		c.logger.WithError(err).Debug("Failed to send ping")
	}
}

func (c *Connection) handlePong(pong *wire.Pong) {
	now := c.manager.clock.Now()

	c.l.Lock()
	defer c.l.Unlock()

	if !c.ping.active || c.ping.nonce != pong.RequestNonce {
		c.logger.WithFields(logrus.Fields{
			"nonce": pong.RequestNonce,
		}).Debug("Unexpected pong")
		return
	}

	c.lastRTT = now.Sub(c.ping.sentAt)
	c.ping.active = false
	c.missedPings = 0
}

func (m *Manager) keepAliveLoop() {
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.conf.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.keepAliveTick()
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Manager) keepAliveTick() {
	now := m.clock.Now()
	for _, c := range m.Connections() {
		c.keepAlive(now, m.conf.PingTimeout, m.conf.MaxMissedPings)
	}
}
