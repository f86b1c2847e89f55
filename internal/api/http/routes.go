package httpapi

import (
	"encoding/base64"
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/weather-telemetry/internal/store"
	"github.com/i474232898/weather-telemetry/internal/telemetry"
)

var validate = validator.New()

// Options configures the contents API emulator.
type Options struct {
	// Token, when set, must be presented as a bearer credential.
	Token string
	// DefaultBranch is used when a request names no ref or branch.
	DefaultBranch string
}

// ErrorHandler renders errors the way the GitHub API does, as
// {"message": "..."}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"message": err.Error(),
	})
}

// RegisterRoutes wires the contents API handlers into the Fiber app, backed
// by objects. Keys are owner/repo/branch/path.
func RegisterRoutes(app *fiber.App, objects *store.MemoryStore, opts Options) {
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}

	repos := app.Group("/repos", requireToken(opts.Token))

	repos.Get("/:owner/:repo/contents/*", func(c *fiber.Ctx) error {
		loc, err := parseContentsPath(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		branch := c.Query("ref", opts.DefaultBranch)

		content, sha, ok := objects.Lookup(loc.key(branch))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "Not Found")
		}

		return c.JSON(fiber.Map{
			"type":     "file",
			"encoding": "base64",
			"name":     path.Base(loc.Path),
			"path":     loc.Path,
			"size":     len(content),
			"sha":      sha,
			"content":  store.EncodeContent(content),
		})
	})

	repos.Put("/:owner/:repo/contents/*", func(c *fiber.Ctx) error {
		loc, err := parseContentsPath(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		var req putRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Problems parsing JSON")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusUnprocessableEntity, "Invalid request.\n\n"+err.Error())
		}
		content, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return fiber.NewError(fiber.StatusUnprocessableEntity, "content is not valid Base64")
		}

		branch := req.Branch
		if branch == "" {
			branch = opts.DefaultBranch
		}

		commit, err := objects.Commit(c.UserContext(), loc.key(branch), content, req.SHA, req.Message)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrVersionRequired):
				return fiber.NewError(fiber.StatusUnprocessableEntity, "Invalid request.\n\n\"sha\" wasn't supplied.")
			case errors.Is(err, telemetry.ErrConflict):
				return fiber.NewError(fiber.StatusConflict, loc.Path+" does not match "+req.SHA)
			}
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		status := fiber.StatusOK
		if req.SHA == "" {
			status = fiber.StatusCreated
		}
		return c.Status(status).JSON(fiber.Map{
			"content": fiber.Map{
				"name": path.Base(loc.Path),
				"path": loc.Path,
				"sha":  commit.Version,
			},
			"commit": fiber.Map{
				"sha":     commit.ID,
				"message": commit.Message,
			},
		})
	})
}

func requireToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}
		auth := c.Get(fiber.HeaderAuthorization)
		scheme, cred, _ := strings.Cut(auth, " ")
		if (scheme != "Bearer" && scheme != "token") || cred != token {
			return fiber.NewError(fiber.StatusUnauthorized, "Bad credentials")
		}
		return c.Next()
	}
}

// contentsPath holds the repository coordinates of a contents request.
type contentsPath struct {
	Owner string `validate:"required"`
	Repo  string `validate:"required"`
	Path  string `validate:"required"`
}

func (p contentsPath) key(branch string) string {
	return p.Owner + "/" + p.Repo + "/" + branch + "/" + p.Path
}

func parseContentsPath(c *fiber.Ctx) (contentsPath, error) {
	var p contentsPath

	raw := strings.Trim(c.Params("*"), "/")
	unescaped, err := url.PathUnescape(raw)
	if err != nil {
		return p, err
	}

	p.Owner = c.Params("owner")
	p.Repo = c.Params("repo")
	p.Path = unescaped

	if err := validate.Struct(p); err != nil {
		return p, err
	}
	return p, nil
}

// putRequest is the body of a create-or-update call.
type putRequest struct {
	Message string `json:"message" validate:"required"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha"`
}
