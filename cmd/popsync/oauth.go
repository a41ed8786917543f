// popsync
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type GetTokenForUserResult struct {
	Token *oauth2.Token
	Error error
}

type OAuthServer interface {
	GetTokenForUser(ctx context.Context, id string) <-chan GetTokenForUserResult
	MakeClient(context.Context, *oauth2.Token) *http.Client
}

type oauthServer struct {
	log       *zap.Logger
	sc        OAuthServerConfig
	o2c       *oauth2.Config
	mu        sync.Mutex
	tokenReqs map[string]chan<- string
}

const tokenStoreVersion = 1

type (
	tokenMap map[string]*oauth2.Token

	tokenStore struct {
		Version int
		Tokens  tokenMap
	}
)

func readTokenStore(path string) (*tokenStore, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &tokenStore{Version: tokenStoreVersion, Tokens: make(tokenMap)}, nil
		}
		return nil, err
	}
	defer f.Close()
	var ts *tokenStore
	if err := json.NewDecoder(f).Decode(&ts); err != nil {
		return nil, err
	}
	if ts.Version != tokenStoreVersion {
		return nil, fmt.Errorf("Invalid tokenStore version, got %d, expected %d", ts.Version, tokenStoreVersion)
	}
	if ts.Tokens == nil {
		ts.Tokens = make(tokenMap)
	}
	return ts, nil
}

// Save writes the store with owner-only permissions, since it holds refresh
// tokens.
func (ts *tokenStore) Save(path string) error {
	b, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func newOAuthServer(sc OAuthServerConfig, o2c *oauth2.Config, log *zap.Logger) *oauthServer {
	o2c.RedirectURL = sc.RedirectURL
	return &oauthServer{
		sc:        sc,
		o2c:       o2c,
		log:       log.With(zap.String("component", "oauth")),
		tokenReqs: make(map[string]chan<- string),
	}
}

func (s *oauthServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRequest)
	return mux
}

// RunOAuthServer serves the OAuth redirect endpoint until `ctx` is done.
func RunOAuthServer(ctx context.Context, sc OAuthServerConfig, o2c *oauth2.Config, log *zap.Logger) OAuthServer {
	s := newOAuthServer(sc, o2c, log)
	srv := &http.Server{
		Handler: s.handler(),
		Addr:    sc.ListenAddr,
	}
	go func() {
		s.log.Info("Starting OAuth server", zap.String("addr", srv.Addr))
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			s.log.Info("Stopping OAuth server")
		} else {
			s.log.Error("ListenAndServe", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return s
}

func (s *oauthServer) GetTokenForUser(ctx context.Context, userid string) <-chan GetTokenForUserResult {
	ch := make(chan GetTokenForUserResult, 1)

	go func() {
		token, err := s.getToken(ctx, userid)
		ch <- GetTokenForUserResult{Token: token, Error: err}
	}()

	return ch
}

func (s *oauthServer) getToken(ctx context.Context, userid string) (*oauth2.Token, error) {
	log := s.log.With(zap.String("userid", userid))

	s.mu.Lock()
	ts, err := readTokenStore(s.sc.TokenStore)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if token, ok := ts.Tokens[userid]; ok {
		s.mu.Unlock()
		return token, nil
	}

	// No token is stored, so put in a request.
	nonce := uuid.NewString()
	codeCh := make(chan string, 1)
	s.tokenReqs[nonce] = codeCh
	s.mu.Unlock()

	// `ApprovalForce` is needed in combination with `AccessTypeOffline` in order
	// to get a refresh token.
	url := s.o2c.AuthCodeURL(nonce, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	log.Info("Requesting authorization", zap.String("nonce", nonce), zap.String("url", url))

	var code string
	select {
	case c, ok := <-codeCh:
		if !ok {
			return nil, fmt.Errorf("Authorization request for %s was rejected", userid)
		}
		code = c
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.tokenReqs, nonce)
		s.mu.Unlock()
		return nil, ctx.Err()
	}

	log.Info("Received code, exchanging for token")
	token, err := s.o2c.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ts, err = readTokenStore(s.sc.TokenStore)
	if err != nil {
		return nil, err
	}
	ts.Tokens[userid] = token
	if err := ts.Save(s.sc.TokenStore); err != nil {
		return nil, err
	}
	return token, nil
}

func (s *oauthServer) handleRequest(rw http.ResponseWriter, req *http.Request) {
	id := req.FormValue("state")
	s.mu.Lock()
	ch, ok := s.tokenReqs[id]
	if ok {
		delete(s.tokenReqs, id)
	}
	s.mu.Unlock()

	log := s.log.With(zap.String("id", id))

	if !ok {
		log.Error("No channel for token")
		http.Error(rw, "Invalid State", http.StatusBadRequest)
		return
	}
	code := req.FormValue("code")
	if code == "" {
		log.Error("Invalid request - missing code")
		http.Error(rw, "Invalid Code", http.StatusBadRequest)
		close(ch)
		return
	}
	fmt.Fprintln(rw, "<h1>Authorized!</h1>")
	log.Info("Received authorization code")
	ch <- code
}

func (s *oauthServer) MakeClient(ctx context.Context, token *oauth2.Token) *http.Client {
	return s.o2c.Client(ctx, token)
}
