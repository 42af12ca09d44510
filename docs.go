// Package restx is a declarative HTTP REST client. A service description
// (operations, parameter bindings, path templates) is compiled once into a
// Service, and a Client invokes its operations by name with plain Go
// arguments.
//
// Requirements: Go 1.24 or higher is required to use this package.
//
// This package is designed to simplify REST client development in Go by providing:
//   - Declarative services built with a fluent API or loaded from YAML files
//   - Query, form, path, header, cookie and matrix parameters with defaults and list separators
//   - Charset aware percent-encoding and pluggable serializers (JSON, XML, CBOR, protobuf, text)
//   - Form, multipart, JSON and XML request entities built from form parameters
//   - A retrying executor with pluggable retry handlers and credential refresh
//   - Typed results through Go generics
//   - Structured logging with zap and Prometheus metrics
//
// # Quick Start
//
// Declare a service and invoke one of its operations:
//
//	service, err := restx.NewServiceBuilder("https://api.example.com").
//	    WithConsumes(restx.MediaTypeJSON).
//	    Method("getUser", http.MethodGet, "/users/{id}").
//	    WithParam(restx.PathParam("id").WithArg(0)).
//	    WithParam(restx.QueryParam("fields").WithArg(1).WithListSeparator(",")).
//	    Service().
//	    Build()
//
//	client, err := restx.NewClient(service,
//	    restx.WithRetryHandler(restx.NewStrategyRetryHandler()),
//	)
//
//	result, err := restx.Call[User](ctx, client, "getUser", 42, []string{"name", "email"})
//	fmt.Println(result.Data.Name)
//
// # Parameters
//
// A ParamConfig binds a call argument (by index) to a destination. Params
// declared on the service apply to every method; a method param with the same
// name and destination replaces it.
//
//	restx.QueryParam("page").WithArg(0).WithDefault("1")
//	restx.HeaderParam("X-Tenant").WithDefault("acme")   // constant, no argument
//	restx.PathParam("id").WithArg(1)
//	restx.MatrixParam("color").WithArg(2)
//	restx.FormParam("tags").WithArg(3).WithListSeparator("|")
//
// Slices and arrays contribute one value per element. Without a separator,
// query, form, header and cookie params repeat the pair once per element; with
// one they join all elements into a single pair. Path and matrix params always
// join, using "," when nothing else is configured. The separator is looked up
// on the param, then the method, then the service, then the client.
//
// Structs bound to a query or form param are expanded into one pair per field
// using their `schema` tags.
//
// # Entities
//
// A method with an entity argument sends it serialized with the registry
// serializer for its Produces media type (JSON by default). Otherwise, POST,
// PUT and PATCH methods write their form params with an EntityWriter:
// FormEntityWriter (default), MultipartEntityWriter, JSONEntityWriter or
// XMLEntityWriter. Form params of other methods go to the query string.
//
// # Retries
//
// RetryingExecutor asks its RetryHandler about every failed attempt. The
// first failure is reported as attempt FirstRetryAttempt (2). A RequestError
// superseded by a retry is disposed before the next attempt; the one returned
// to the caller is left for the caller to dispose.
//
//	handler := restx.NewStrategyRetryHandler(
//	    restx.WithMaxRetries(3),
//	    restx.WithRetryStrategy(restx.JitterBackoff(200*time.Millisecond, 5*time.Second)),
//	)
//
// With WithAuthorization, a 401 answer triggers Authorization.Refresh and one
// more attempt before the configured handler is consulted.
//
// # Service Files
//
// Services can be described in YAML:
//
//	name: users
//	baseURL: https://api.example.com
//	consumes: application/json
//	params:
//	  - {name: api-version, in: header, default: "2"}
//	methods:
//	  - name: getUser
//	    method: GET
//	    path: /users/{id}
//	    params:
//	      - {name: id, in: path, arg: 0}
//
// and loaded with LoadServiceFile. Client settings load with
// LoadClientConfig from a file and RESTX_ environment variables.
//
// # Debugging
//
// Every component logs through a *zap.Logger, a no-op logger by default:
//
//	logger, _ := zap.NewDevelopment()
//	client, _ := restx.NewClient(service, restx.WithLogger(logger))
package restx
