// Package secrets delivers rotated cookies to GitHub Actions repository
// secrets. GitHubStore talks to the REST API and NaClSealer produces the
// sealed-box ciphertext the API requires.
package secrets
