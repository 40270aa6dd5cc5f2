// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/kdrestaurant/kd/internal/auth"
	"github.com/kdrestaurant/kd/internal/httpapi"
)

var emailSeq atomic.Int64

// uniqueEmail keeps specs independent in the shared database.
func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s-%d@kd-restaurant.test", prefix, emailSeq.Add(1))
}

type apiResponse struct {
	status int
	body   map[string]any
}

func (r apiResponse) message() string {
	msg, _ := r.body["message"].(string)
	return msg
}

func call(method, path, token string, payload any) apiResponse {
	GinkgoHelper()

	var body bytes.Buffer
	if payload != nil {
		Expect(json.NewEncoder(&body).Encode(payload)).To(Succeed())
	}
	req, err := http.NewRequest(method, env.server.URL+path, &body)
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := env.server.Client().Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	out := apiResponse{status: resp.StatusCode}
	_ = json.NewDecoder(resp.Body).Decode(&out.body)
	return out
}

func post(path string, payload any) apiResponse {
	GinkgoHelper()
	return call(http.MethodPost, path, "", payload)
}

// registerVerified registers email and confirms it with the mailed code.
func registerVerified(email, password string) {
	GinkgoHelper()
	resp := post("/api/auth/register", map[string]string{
		"email": email, "fullName": "Kim Dang", "password": password,
	})
	Expect(resp.status).To(Equal(http.StatusOK))

	code := env.mailer.LastCode(auth.EmailKindVerification, email)
	Expect(code).To(MatchRegexp(`^\d{6}$`))
	resp = post("/api/auth/verify-email", map[string]string{"email": email, "token": code})
	Expect(resp.status).To(Equal(http.StatusOK))
}

func login(email, password string) apiResponse {
	GinkgoHelper()
	return post("/api/auth/login", map[string]string{"email": email, "password": password})
}

var _ = Describe("Registration and login", func() {
	It("requires email verification before issuing a token", func() {
		email := uniqueEmail("diner")

		resp := post("/api/auth/register", map[string]string{
			"email": email, "fullName": "Kim Dang", "password": "s3cret-pass",
		})
		Expect(resp.status).To(Equal(http.StatusOK))
		Expect(resp.message()).To(Equal(httpapi.MsgRegistered))
		Expect(resp.body["email"]).To(Equal(email))

		By("rejecting login while unverified")
		resp = login(email, "s3cret-pass")
		Expect(resp.status).To(Equal(http.StatusForbidden))

		By("rejecting a wrong verification code")
		resp = post("/api/auth/verify-email", map[string]string{"email": email, "token": "000000"})
		Expect(resp.status).To(BeNumerically(">=", 400))

		By("accepting the mailed code")
		code := env.mailer.LastCode(auth.EmailKindVerification, email)
		resp = post("/api/auth/verify-email", map[string]string{"email": email, "token": code})
		Expect(resp.status).To(Equal(http.StatusOK))
		Expect(resp.message()).To(Equal(httpapi.MsgEmailVerified))

		By("logging in")
		resp = login(email, "s3cret-pass")
		Expect(resp.status).To(Equal(http.StatusOK))
		token, _ := resp.body["token"].(string)
		Expect(token).NotTo(BeEmpty())
		Expect(resp.body["user"]).To(HaveKeyWithValue("role", "User"))
		Expect(resp.body["user"]).NotTo(HaveKey("passwordHash"))

		By("reading the profile with the bearer token")
		resp = call(http.MethodGet, "/api/auth/me", token, nil)
		Expect(resp.status).To(Equal(http.StatusOK))
		Expect(resp.body["user"]).To(HaveKeyWithValue("email", email))
	})

	It("rejects a duplicate registration", func() {
		email := uniqueEmail("dupe")
		registerVerified(email, "first-pass")

		resp := post("/api/auth/register", map[string]string{
			"email": email, "fullName": "Someone Else", "password": "second-pass",
		})
		Expect(resp.status).To(Equal(http.StatusConflict))
	})

	It("gives unknown emails and wrong passwords the same answer", func() {
		email := uniqueEmail("guess")
		registerVerified(email, "right-pass")

		wrong := login(email, "wrong-pass")
		unknown := login(uniqueEmail("nobody"), "right-pass")

		Expect(wrong.status).To(Equal(http.StatusUnauthorized))
		Expect(unknown.status).To(Equal(wrong.status))
		Expect(unknown.message()).To(Equal(wrong.message()))
	})
})

var _ = Describe("Password recovery", func() {
	It("resets the password with a one-time code", func() {
		email := uniqueEmail("forgetful")
		registerVerified(email, "old-pass")

		resp := post("/api/auth/forgot-password", map[string]string{"email": email})
		Expect(resp.status).To(Equal(http.StatusOK))
		Expect(resp.message()).To(Equal(auth.ForgotPasswordMessage))

		code := env.mailer.LastCode(auth.EmailKindPasswordReset, email)
		Expect(code).To(MatchRegexp(`^\d{6}$`))

		By("checking the code without consuming it")
		for range 2 {
			resp = post("/api/auth/verify-otp", map[string]string{"email": email, "otp": code})
			Expect(resp.status).To(Equal(http.StatusOK))
			Expect(resp.body["isValid"]).To(BeTrue())
		}

		By("resetting the password")
		resp = post("/api/auth/reset-password", map[string]string{
			"email": email, "otp": code, "newPassword": "new-pass",
		})
		Expect(resp.status).To(Equal(http.StatusOK))
		Expect(resp.message()).To(Equal(httpapi.MsgPasswordReset))

		By("refusing to reuse the code")
		resp = post("/api/auth/reset-password", map[string]string{
			"email": email, "otp": code, "newPassword": "another-pass",
		})
		Expect(resp.status).To(Equal(http.StatusBadRequest))

		Expect(login(email, "old-pass").status).To(Equal(http.StatusUnauthorized))
		Expect(login(email, "new-pass").status).To(Equal(http.StatusOK))
	})

	It("invalidates older codes once one is used", func() {
		email := uniqueEmail("twice")
		registerVerified(email, "old-pass")

		Expect(post("/api/auth/forgot-password", map[string]string{"email": email}).status).To(Equal(http.StatusOK))
		first := env.mailer.LastCode(auth.EmailKindPasswordReset, email)
		Expect(post("/api/auth/forgot-password", map[string]string{"email": email}).status).To(Equal(http.StatusOK))
		second := env.mailer.LastCode(auth.EmailKindPasswordReset, email)

		resp := post("/api/auth/reset-password", map[string]string{
			"email": email, "otp": second, "newPassword": "new-pass",
		})
		Expect(resp.status).To(Equal(http.StatusOK))

		if first != second {
			resp = post("/api/auth/verify-otp", map[string]string{"email": email, "otp": first})
			Expect(resp.status).To(Equal(http.StatusBadRequest))
		}
	})

	It("answers unknown emails exactly like known ones", func() {
		resp := post("/api/auth/forgot-password", map[string]string{"email": uniqueEmail("ghost")})
		Expect(resp.status).To(Equal(http.StatusOK))
		Expect(resp.message()).To(Equal(auth.ForgotPasswordMessage))
	})

	It("purges long expired codes", func() {
		_, err := env.recovery.PurgeExpired(context.Background(), 0)
		Expect(err).NotTo(HaveOccurred())
	})
})

// resetDuringVerify completes a password reset after the first password
// check of a login, while that login still holds its earlier read.
type resetDuringVerify struct {
	auth.PasswordHasher
	once  sync.Once
	reset func()
}

func (h *resetDuringVerify) Verify(password, hash string) (bool, error) {
	ok, err := h.PasswordHasher.Verify(password, hash)
	h.once.Do(h.reset)
	return ok, err
}

var _ = Describe("Login racing a password reset", func() {
	var (
		email    string
		accounts *auth.Service
	)

	BeforeEach(func() {
		email = uniqueEmail("raced")
		registerVerified(email, "old-pass")

		Expect(post("/api/auth/forgot-password", map[string]string{"email": email}).status).To(Equal(http.StatusOK))
		otp := env.mailer.LastCode(auth.EmailKindPasswordReset, email)

		hasher := &resetDuringVerify{
			PasswordHasher: auth.NewArgon2idHasher(),
			reset: func() {
				resp := post("/api/auth/reset-password", map[string]string{
					"email": email, "otp": otp, "newPassword": "new-pass",
				})
				Expect(resp.status).To(Equal(http.StatusOK))
			},
		}
		var err error
		accounts, err = auth.NewService(env.users, hasher, env.tokens, env.mailer)
		Expect(err).NotTo(HaveOccurred())
	})

	It("keeps the new password after a failed guess", func() {
		_, err := accounts.Login(context.Background(), email, "guess")
		Expect(auth.KindOf(err)).To(Equal(auth.KindUnauthorized))

		Expect(login(email, "old-pass").status).To(Equal(http.StatusUnauthorized))
		Expect(login(email, "new-pass").status).To(Equal(http.StatusOK))
	})

	It("refuses the old password verified before the reset", func() {
		_, err := accounts.Login(context.Background(), email, "old-pass")
		Expect(auth.KindOf(err)).To(Equal(auth.KindUnauthorized))

		Expect(login(email, "old-pass").status).To(Equal(http.StatusUnauthorized))
		Expect(login(email, "new-pass").status).To(Equal(http.StatusOK))
	})
})

var _ = Describe("Administration", func() {
	It("lets a bootstrapped admin promote another user", func() {
		adminEmail := uniqueEmail("owner")
		staffEmail := uniqueEmail("staff")
		registerVerified(adminEmail, "owner-pass")
		registerVerified(staffEmail, "staff-pass")

		By("forbidding admin routes to ordinary users")
		staffToken, _ := login(staffEmail, "staff-pass").body["token"].(string)
		Expect(call(http.MethodGet, "/api/admin/users", staffToken, nil).status).To(Equal(http.StatusForbidden))

		By("bootstrapping the first admin")
		view, err := env.accounts.PromoteUserByEmail(context.Background(), adminEmail)
		Expect(err).NotTo(HaveOccurred())
		Expect(view.Role).To(Equal(auth.RoleAdmin))

		adminToken, _ := login(adminEmail, "owner-pass").body["token"].(string)
		staff, err := env.accounts.ListUsers(context.Background())
		Expect(err).NotTo(HaveOccurred())
		var staffID string
		for _, u := range staff {
			if u.Email == staffEmail {
				staffID = u.ID
			}
		}
		Expect(staffID).NotTo(BeEmpty())

		resp := call(http.MethodPatch, "/api/admin/users/"+staffID+"/promote", adminToken, nil)
		Expect(resp.status).To(Equal(http.StatusOK))
		Expect(resp.message()).To(Equal(httpapi.MsgUserPromoted))

		resp = call(http.MethodPatch, "/api/admin/users/"+staffID+"/promote", adminToken, nil)
		Expect(resp.status).To(Equal(http.StatusConflict))
	})
})
