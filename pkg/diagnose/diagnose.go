// Package diagnose checks whether the hostnames a device is reached through
// resolve, using a chosen DNS resolver over TCP or UDP through the configured
// transport. It explains "unreachable" results that come from DNS rather than
// from the device.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/dns"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
	"github.com/Jigsaw-Code/outline-sdk/x/connectivity"
	"golang.org/x/net/dns/dnsmessage"

	"nas-connector/pkg/models"
)

type Report struct {
	Host       string       `json:"host"`
	Resolver   string       `json:"resolver"`
	Proto      string       `json:"proto"`
	Time       time.Time    `json:"time"`
	DurationMs int64        `json:"duration_ms"`
	RCode      string       `json:"rcode,omitempty"`
	AnswerIPs  []string     `json:"answer_ips,omitempty"`
	Error      *ErrorRecord `json:"error"`
}

type ErrorRecord struct {
	Op string `json:"op,omitempty"`
	// Posix error, when available
	PosixError string `json:"posix_error,omitempty"`
	Msg        string `json:"msg,omitempty"`
	MsgVerbose string `json:"msg_verbose,omitempty"`
}

func (r Report) IsSuccess() bool {
	return r.Error == nil
}

func makeErrorRecord(result *connectivity.ConnectivityError) *ErrorRecord {
	if result == nil {
		return nil
	}
	return &ErrorRecord{
		Op:         result.Op,
		PosixError: result.PosixError,
		Msg:        findBaseError(result.Err).Error(),
		MsgVerbose: result.Err.Error(),
	}
}

// findBaseError unwraps an error chain to find the most basic underlying error
func findBaseError(err error) error {
	for err != nil {
		// Joined errors: the last one is usually the most specific
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			errs := joined.Unwrap()
			if len(errs) > 0 {
				err = errs[len(errs)-1]
				continue
			}
		}

		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
	return err
}

type Diagnoser struct {
	transport string
	resolver  string
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a Diagnoser querying resolver (host or host:port, port 53 by
// default) through the outline-sdk transport config.
func New(transportConfig, resolver string, timeout time.Duration, logger *slog.Logger) *Diagnoser {
	if _, _, err := net.SplitHostPort(resolver); err != nil {
		resolver = net.JoinHostPort(resolver, "53")
	}
	return &Diagnoser{
		transport: transportConfig,
		resolver:  resolver,
		timeout:   timeout,
		logger:    logger,
	}
}

// Hosts returns the distinct hostnames of the candidate addresses plus
// extra, skipping IP literals.
func Hosts(set models.CandidateSet, extra ...string) []string {
	seen := make(map[string]bool)
	var hosts []string
	add := func(host string) {
		if host == "" || seen[host] || net.ParseIP(host) != nil {
			return
		}
		seen[host] = true
		hosts = append(hosts, host)
	}
	for _, c := range set.Candidates {
		u, err := url.Parse(c.Address)
		if err != nil {
			continue
		}
		add(u.Hostname())
	}
	for _, h := range extra {
		add(h)
	}
	return hosts
}

func (d *Diagnoser) newResolver(proto string) (dns.Resolver, error) {
	configToDialer := configurl.NewDefaultConfigToDialer()
	switch proto {
	case "tcp":
		streamDialer, err := configToDialer.NewStreamDialer(d.transport)
		if err != nil {
			return nil, err
		}
		return dns.NewTCPResolver(streamDialer, d.resolver), nil
	case "udp":
		packetDialer, err := configToDialer.NewPacketDialer(d.transport)
		if err != nil {
			return nil, err
		}
		return dns.NewUDPResolver(packetDialer, d.resolver), nil
	default:
		return nil, fmt.Errorf("invalid protocol %q", proto)
	}
}

// Check tests that host resolves over proto and records the A/AAAA answers.
func (d *Diagnoser) Check(ctx context.Context, host, proto string) (Report, error) {
	resolver, err := d.newResolver(proto)
	if err != nil {
		return Report{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	startTime := time.Now()
	result, err := connectivity.TestConnectivityWithResolver(ctx, resolver, host)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		Host:     host,
		Resolver: d.resolver,
		Proto:    proto,
		Time:     startTime.UTC().Truncate(time.Second),
		Error:    makeErrorRecord(result),
	}

	if result == nil {
		report.RCode, report.AnswerIPs = d.answers(ctx, resolver, host)
	}
	report.DurationMs = time.Since(startTime).Milliseconds()

	d.logger.Debug("DNS check completed", "host", host, "proto", proto, "success", report.IsSuccess(), "answers", report.AnswerIPs)
	return report, nil
}

func (d *Diagnoser) answers(ctx context.Context, resolver dns.Resolver, host string) (string, []string) {
	q, err := dns.NewQuestion(host, dnsmessage.TypeA)
	if err != nil {
		return "", nil
	}
	msg, err := resolver.Query(ctx, *q)
	if err != nil {
		d.logger.Debug("Answer query failed", "host", host, "error", err)
		return "", nil
	}

	var ips []string
	for _, answer := range msg.Answers {
		switch body := answer.Body.(type) {
		case *dnsmessage.AResource:
			ips = append(ips, net.IP(body.A[:]).String())
		case *dnsmessage.AAAAResource:
			ips = append(ips, net.IP(body.AAAA[:]).String())
		}
	}
	return msg.RCode.String(), ips
}

// Run checks every host over every protocol. A failing check is logged and
// skipped.
func (d *Diagnoser) Run(ctx context.Context, hosts, protos []string) []Report {
	var reports []Report
	for _, host := range hosts {
		for _, proto := range protos {
			report, err := d.Check(ctx, host, proto)
			if err != nil {
				d.logger.Error("DNS check error", "host", host, "proto", proto, "error", err)
				continue
			}
			reports = append(reports, report)
		}
	}
	return reports
}
