/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

// MergeTags flattens tag maps into EC2 tags. Later maps win on key conflicts.
func MergeTags(tagMaps ...map[string]string) []ec2types.Tag {
	merged := lo.Assign(tagMaps...)
	return lo.MapToSlice(merged, func(k, v string) ec2types.Tag {
		return ec2types.Tag{Key: aws.String(k), Value: aws.String(v)}
	})
}

// TagsToMap inverts a tag slice for lookups.
func TagsToMap(tags []ec2types.Tag) map[string]string {
	return lo.SliceToMap(tags, func(t ec2types.Tag) (string, string) {
		return aws.ToString(t.Key), aws.ToString(t.Value)
	})
}
