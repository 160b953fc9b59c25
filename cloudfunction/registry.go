// Copyright 2023 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloudfunction

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/avast/retry-go/v4"
	"google.golang.org/api/artifactregistry/v1"
	"google.golang.org/api/option"
)

// digestPrefix starts every immutable package version.
const digestPrefix = "sha256:"

// arURLRE matches Kubeflow Pipelines templates in Artifact Registry:
// https://{region}-kfp.pkg.dev/{project}/{repository}/{package}/{tag or version}.
var arURLRE = regexp.MustCompile(`(?i)^https://([\w-]+)-kfp\.pkg\.dev/([\w-]+)/([\w-]+)/([\w-]+)/([\w.-]+)`)

// registryRef identifies a package version or tag in a KFP Artifact Registry repository.
type registryRef struct {
	region, project, repository, pkg, ref string
}

func parseRegistryURL(uri string) (registryRef, bool) {
	m := arURLRE.FindStringSubmatch(uri)
	if m == nil {
		return registryRef{}, false
	}
	return registryRef{region: m[1], project: m[2], repository: m[3], pkg: m[4], ref: m[5]}, true
}

func (r registryRef) tagName() string {
	return fmt.Sprintf("projects/%s/locations/%s/repositories/%s/packages/%s/tags/%s", r.project, r.region, r.repository, r.pkg, r.ref)
}

func (r registryRef) url(version string) string {
	return fmt.Sprintf("https://%s-kfp.pkg.dev/%s/%s/%s/%s", r.region, r.project, r.repository, r.pkg, version)
}

// isRegistryURL reports whether uri points to a KFP Artifact Registry repository.
func isRegistryURL(uri string) bool {
	_, ok := parseRegistryURL(uri)
	return ok
}

// NewArtifactRegistryService returns an Artifact Registry client. opts override the defaults.
func NewArtifactRegistryService(ctx context.Context, opts ...option.ClientOption) (*artifactregistry.Service, error) {
	service, err := artifactregistry.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create artifact registry service: %v", err)
	}
	return service, nil
}

// TagResolver pins Artifact Registry template tags to their immutable digest.
type TagResolver struct {
	service *artifactregistry.Service
	retry   RetryPolicy
}

// NewTagResolver returns a TagResolver using service.
func NewTagResolver(service *artifactregistry.Service, policy RetryPolicy) *TagResolver {
	return &TagResolver{service: service, retry: policy}
}

// Resolve returns templatePath with its tag replaced by the sha256 version the tag currently
// points to. Artifact Registry URLs have underscores replaced with hyphens first, matching how
// package names are stored. Other paths and paths already pinned to a digest are returned as is.
func (r *TagResolver) Resolve(ctx context.Context, templatePath string) (string, error) {
	if !isRegistryURL(templatePath) {
		return templatePath, nil
	}
	templatePath = strings.ReplaceAll(templatePath, "_", "-")
	if strings.Contains(templatePath, digestPrefix) {
		return templatePath, nil
	}
	ref, _ := parseRegistryURL(templatePath)

	tag, err := retry.DoWithData(func() (*artifactregistry.Tag, error) {
		return r.service.Projects.Locations.Repositories.Packages.Tags.Get(ref.tagName()).Context(ctx).Do()
	}, r.retry.options(ctx)...)
	if err != nil {
		return "", fmt.Errorf("unable to get tag %s: %v", ref.tagName(), err)
	}
	i := strings.Index(tag.Version, digestPrefix)
	if i < 0 {
		return "", fmt.Errorf("tag %s points to version %q without a %s digest", ref.tagName(), tag.Version, digestPrefix)
	}
	return ref.url(tag.Version[i:]), nil
}
