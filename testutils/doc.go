// Package testutils provides test helpers shared by the managesieve,
// transport and sievectl test suites.
//
// Key components:
//   - SieveServer: an in-process ManageSieve server with an in-memory
//     script store, STARTTLS and SASL PLAIN
//   - SelfSignedTLS: throwaway certificates for TLS tests
//
// Example usage:
//
//	func TestMyFunction(t *testing.T) {
//		srv := testutils.NewSieveServer(t, &testutils.SieveServerOptions{
//			Users: map[string]string{"alice": "secret"},
//		})
//		conn, err := net.Dial("tcp", srv.Addr())
//		// ...
//	}
package testutils
