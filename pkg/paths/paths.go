package paths

import (
	"os"
	"path/filepath"
)

const (
	dbName        = "app.db"
	containerRoot = "/opt/prezel"
)

// HomeEnvVar names the environment variable that points at the prezel data
// directory as seen from the host. When prezel itself runs inside a
// container, bind mounts handed to the Docker daemon must use host paths
// while file I/O from this process uses the in-container root.
const HomeEnvVar = "PREZEL_HOME"

// InstanceDBPath returns the path of the metadata store.
func InstanceDBPath() string {
	return filepath.Join(ContainerRoot(), dbName)
}

// ContainerRoot returns the data directory as seen by this process.
func ContainerRoot() string {
	if root := os.Getenv("PREZEL_ROOT"); root != "" {
		return root
	}
	return containerRoot
}

func hostRoot() string {
	if home := os.Getenv(HomeEnvVar); home != "" {
		return home
	}
	return ContainerRoot()
}

// ProjectDBDir returns the directory holding a project's production data file.
func ProjectDBDir(projectID string) string {
	return filepath.Join("dbs", projectID)
}

// BranchDBDir returns the directory holding a branch snapshot for a deployment.
func BranchDBDir(projectID, slug string) string {
	return filepath.Join("dbs", projectID, slug)
}

// DomainCertPath returns the on-disk certificate path for a domain.
func DomainCertPath(domain string) string {
	return filepath.Join(certDir(domain), "cert.pem")
}

// DomainKeyPath returns the on-disk private key path for a domain.
func DomainKeyPath(domain string) string {
	return filepath.Join(certDir(domain), "key.pem")
}

func certDir(domain string) string {
	dir := filepath.Join(ContainerRoot(), "certs", domain)
	os.MkdirAll(dir, 0o700)
	return dir
}

// IntermediatePath returns the cache path for an intermediate CA certificate.
func IntermediatePath(fingerprint string) string {
	dir := filepath.Join(ContainerRoot(), "intermediates")
	os.MkdirAll(dir, 0o755)
	return filepath.Join(dir, fingerprint+".pem")
}

// ConfigPath returns the path of the instance configuration file.
func ConfigPath() string {
	return filepath.Join(ContainerRoot(), "config.json")
}

// HostFile is a file under the prezel data directory addressed from two
// sides: the path this process reads and writes, and the path the Docker
// daemon must bind mount. The two differ when prezel runs containerized.
type HostFile struct {
	relativeDir string
	filename    string
}

// NewHostFile builds a HostFile from a directory relative to the data root.
func NewHostFile(relativeDir, filename string) HostFile {
	return HostFile{relativeDir: relativeDir, filename: filename}
}

// HostFolder returns the directory as the Docker daemon sees it.
func (f HostFile) HostFolder() string {
	return filepath.Join(hostRoot(), f.relativeDir)
}

// ContainerFolder returns the directory as this process sees it,
// creating it if needed.
func (f HostFile) ContainerFolder() string {
	dir := filepath.Join(ContainerRoot(), f.relativeDir)
	os.MkdirAll(dir, 0o755)
	return dir
}

// ContainerFile returns the full file path as this process sees it.
func (f HostFile) ContainerFile() string {
	return filepath.Join(f.ContainerFolder(), f.filename)
}

// HostFile returns the full file path as the Docker daemon sees it.
func (f HostFile) HostFile() string {
	return filepath.Join(f.HostFolder(), f.filename)
}
