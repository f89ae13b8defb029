package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// linkPreviewTimeout bounds how long the server will spend fetching a URL
// for preview metadata (§4.2's supplemented link-preview enrichment). Kept
// short since this always runs off the message-delivery path.
const linkPreviewTimeout = 4 * time.Second

// linkPreviewMaxBody caps the bytes read while scanning for the <head>.
const linkPreviewMaxBody = 256 * 1024

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// extractFirstURL returns the first http(s) URL in text, or "".
func extractFirstURL(text string) string {
	return urlPattern.FindString(text)
}

// linkPreview holds the OpenGraph metadata extracted from a page.
type linkPreview struct {
	URL      string
	Title    string
	Desc     string
	Image    string
	SiteName string
}

// enrichLinkPreview runs in its own goroutine, started by handleMessageText
// once a message has already been saved and broadcast. It never blocks or
// delays message delivery; a fetch failure is silently dropped.
func (srv *Server) enrichLinkPreview(channelID int64, messageID, body string) {
	url := extractFirstURL(body)
	if url == "" {
		return
	}
	lp, err := fetchLinkPreview(url)
	if err != nil || (lp.Title == "" && lp.Desc == "" && lp.Image == "") {
		return
	}
	update := messageLinkPreview{
		MessageID: messageID,
		ChannelID: channelID,
		URL:       lp.URL,
		Title:     lp.Title,
		Desc:      lp.Desc,
		Image:     lp.Image,
		SiteName:  lp.SiteName,
	}
	for _, m := range srv.registry.channelMembers(channelID) {
		m.sendJSON(KindMessageLinkPreview, update, false)
	}
}

// isBlockedPreviewIP reports whether ip must never be fetched by the
// link-preview fetcher: loopback, private, link-local, or unspecified
// addresses, which would let a chat message make the server fetch its own
// admin/metadata endpoints or other hosts on its private network.
func isBlockedPreviewIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// linkPreviewTransport resolves the dial target itself (rather than trusting
// net/http's own resolution) so every hop — including redirects, which
// reuse this same DialContext — is checked against isBlockedPreviewIP. A
// transport shared across fetchLinkPreview calls avoids re-establishing TLS
// session state per message.
var linkPreviewTransport = &http.Transport{
	DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			if isBlockedPreviewIP(ip) {
				return nil, fmt.Errorf("link preview: refusing to fetch %s (%s): blocked address", host, ip)
			}
		}
		dialer := &net.Dialer{Timeout: linkPreviewTimeout}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
	},
}

func fetchLinkPreview(rawURL string) (linkPreview, error) {
	client := &http.Client{
		Timeout:   linkPreviewTimeout,
		Transport: linkPreviewTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return http.ErrUseLastResponse
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errors.New("link preview: refusing non-http(s) redirect")
			}
			return nil
		},
	}

	if s := strings.ToLower(rawURL); !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return linkPreview{}, errors.New("link preview: unsupported scheme")
	}

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return linkPreview{}, err
	}
	req.Header.Set("User-Agent", "talkme-linkpreview/1.0")
	req.Header.Set("Accept", "text/html")

	resp, err := client.Do(req)
	if err != nil {
		return linkPreview{}, err
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return linkPreview{URL: rawURL}, nil
	}

	r := io.LimitReader(resp.Body, linkPreviewMaxBody)
	return parseOGTags(rawURL, r)
}

// parseOGTags walks the document, stopping at <body>, collecting OpenGraph
// meta tags and falling back to <title> when og:title is absent.
func parseOGTags(rawURL string, r io.Reader) (linkPreview, error) {
	lp := linkPreview{URL: rawURL}
	tokenizer := html.NewTokenizer(r)
	var inTitle bool
	var titleText string

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if lp.Title == "" && titleText != "" {
				lp.Title = titleText
			}
			return lp, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tag := string(tn)

			if tag == "title" {
				inTitle = true
				continue
			}
			if tag == "body" {
				if lp.Title == "" && titleText != "" {
					lp.Title = titleText
				}
				return lp, nil
			}
			if tag == "meta" && hasAttr {
				parseMeta(tokenizer, &lp)
			}

		case html.TextToken:
			if inTitle {
				titleText += string(tokenizer.Text())
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = false
			}
		}
	}
}

func parseMeta(tokenizer *html.Tokenizer, lp *linkPreview) {
	var property, name, content string
	for {
		key, val, more := tokenizer.TagAttr()
		switch string(key) {
		case "property":
			property = string(val)
		case "name":
			name = string(val)
		case "content":
			content = string(val)
		}
		if !more {
			break
		}
	}
	if content == "" {
		return
	}
	switch property {
	case "og:title":
		lp.Title = content
	case "og:description":
		lp.Desc = content
	case "og:image":
		lp.Image = content
	case "og:site_name":
		lp.SiteName = content
	}
	if name == "description" && lp.Desc == "" {
		lp.Desc = content
	}
}
